package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Namespace struct {
	Name      string
	Purpose   string
	Version   string
	CreatedAt time.Time
}

type CacheEntry struct {
	Namespace  string
	URL        string
	Status     int
	HeaderJSON string // JSON object of header name -> values
	Body       []byte
	StoredAt   time.Time
}

type OutboxItem struct {
	ID             int64
	PayloadJSON    string
	IdempotencyKey string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	LastAttemptAt  time.Time // zero until the first failed replay
}
