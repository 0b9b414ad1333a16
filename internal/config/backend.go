package config

// ConfigBackend is where `chatrelay config set` persists values. Reads
// report ok=false for keys that were never stored.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
