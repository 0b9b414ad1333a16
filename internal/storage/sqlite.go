package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the relay's SQLite database: cache namespaces, cached
// responses, and the offline outbox.
type Store struct {
	db *sql.DB
}

// Open opens or creates chatrelay.db in dataDir and brings its schema up
// to date. dataDir ":memory:" gives a private in-memory database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = "file:" + filepath.Join(dataDir, "chatrelay.db")
	}
	// modernc applies _pragma parameters on every new connection.
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; an in-memory database also lives and dies with
	// its single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dsn, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	name    string
}

func migrations() ([]migration, error) {
	entries, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, name := range entries {
		var v int
		if _, err := fmt.Sscanf(path.Base(name), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration %s has no numeric prefix", name)
		}
		out = append(out, migration{version: v, name: name})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// migrate applies every embedded migration newer than PRAGMA user_version,
// each in its own transaction together with the version bump.
func (s *Store) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	all, err := migrations()
	if err != nil {
		return err
	}
	for _, m := range all {
		if m.version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile(m.name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: %w", m.name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: recording version: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
		current = m.version
	}
	return nil
}

// SchemaVersion reports the newest migration applied to the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// --- Cache namespaces ---

const timeLayout = time.RFC3339Nano

// EnsureNamespace registers a namespace if it does not already exist.
func (s *Store) EnsureNamespace(ctx context.Context, ns Namespace) error {
	createdAt := ns.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_namespaces (name, purpose, version, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		ns.Name, ns.Purpose, ns.Version, createdAt.UTC().Format(timeLayout),
	)
	return err
}

// ListNamespaces returns every registered namespace ordered by name.
func (s *Store) ListNamespaces(ctx context.Context) ([]Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, purpose, version, created_at FROM cache_namespaces ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Namespace
	for rows.Next() {
		var ns Namespace
		var createdAt string
		if err := rows.Scan(&ns.Name, &ns.Purpose, &ns.Version, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ns.CreatedAt = t
		results = append(results, ns)
	}
	return results, rows.Err()
}

// DeleteNamespace removes a namespace and every entry stored under it.
func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, name); err != nil {
		return fmt.Errorf("deleting entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// --- Cache entries ---

// PutCacheEntry stores an entry, replacing any previous entry for the same
// (namespace, url). Concurrent writers race; the last one wins.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	headerJSON := e.HeaderJSON
	if headerJSON == "" {
		headerJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, url, status, header_json, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, url) DO UPDATE SET
			status = excluded.status,
			header_json = excluded.header_json,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		e.Namespace, e.URL, e.Status, headerJSON, e.Body, storedAt.UTC().Format(timeLayout),
	)
	return err
}

// GetCacheEntry returns the entry stored under (namespace, url) or ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, namespace, url string) (CacheEntry, error) {
	var e CacheEntry
	var storedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT namespace, url, status, header_json, body, stored_at
		FROM cache_entries WHERE namespace = ? AND url = ?`, namespace, url,
	).Scan(&e.Namespace, &e.URL, &e.Status, &e.HeaderJSON, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	t, err := time.Parse(timeLayout, storedAt)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("parsing stored_at: %w", err)
	}
	e.StoredAt = t
	return e, nil
}

// ListCacheURLs returns the URLs stored under a namespace.
func (s *Store) ListCacheURLs(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM cache_entries WHERE namespace = ? ORDER BY url ASC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// --- Outbox ---

// EnqueueOutbox inserts a pending write. The row id is assigned by SQLite and
// increases monotonically.
func (s *Store) EnqueueOutbox(ctx context.Context, payloadJSON, idempotencyKey string) (OutboxItem, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (payload_json, idempotency_key, attempts, created_at)
		VALUES (?, ?, 0, ?)`,
		payloadJSON, idempotencyKey, now.Format(timeLayout),
	)
	if err != nil {
		return OutboxItem{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return OutboxItem{}, fmt.Errorf("reading outbox id: %w", err)
	}
	return OutboxItem{
		ID:             id,
		PayloadJSON:    payloadJSON,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}, nil
}

// PendingOutbox returns every queued write in id order.
func (s *Store) PendingOutbox(ctx context.Context) ([]OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload_json, idempotency_key, attempts, last_error, created_at, last_attempt_at
		FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		var createdAt string
		var lastError, lastAttempt sql.NullString
		if err := rows.Scan(&it.ID, &it.PayloadJSON, &it.IdempotencyKey, &it.Attempts, &lastError, &createdAt, &lastAttempt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for outbox %d: %w", it.ID, err)
		}
		it.CreatedAt = t
		it.LastError = lastError.String
		if lastAttempt.Valid {
			if it.LastAttemptAt, err = time.Parse(timeLayout, lastAttempt.String); err != nil {
				return nil, fmt.Errorf("parsing last_attempt_at for outbox %d: %w", it.ID, err)
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DeleteOutbox removes a row after its delivery was confirmed.
func (s *Store) DeleteOutbox(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutboxFailure notes a failed replay. The row stays queued; the
// counter is informational and never gates future attempts.
func (s *Store) RecordOutboxFailure(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, last_attempt_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
