//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// xdgPath joins name under $envVar/chatrelay, falling back to
// ~/<fallback>/chatrelay when the variable is unset.
func xdgPath(envVar, fallback, name string) string {
	dir := os.Getenv(envVar)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("chatrelay-data", name)
		}
		dir = filepath.Join(home, fallback)
	}
	return filepath.Join(dir, "chatrelay", name)
}

func defaultDataDir() string {
	return filepath.Dir(xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "relay.db"))
}

func configFilePath() string {
	if p := os.Getenv("CHATR_CONFIG_FILE"); p != "" {
		return p
	}
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

// writeFileAtomic replaces path through a temp file in the same directory
// so a crash never leaves a half-written store.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fileBackend keeps settings as string values in one JSON object. Numbers
// written by hand are accepted on read.
type fileBackend struct {
	mu     sync.Mutex
	path   string
	values map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]json.RawMessage{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			slog.Warn("config file is not a JSON object, using defaults", "path", path, "error", err)
			b.values = map[string]json.RawMessage{}
		}
	}
	return b
}

func (b *fileBackend) raw(key string) (string, bool, error) {
	b.mu.Lock()
	v, ok := b.values[key]
	b.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true, nil
	}
	return "", true, fmt.Errorf("%s holds %s, want a string or number", key, v)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	return b.raw(key)
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.raw(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return i, true, nil
}

func (b *fileBackend) update(fn func(map[string]json.RawMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.values)
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, append(data, '\n'))
}

func (b *fileBackend) SetString(key, val string) error {
	enc, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return b.update(func(m map[string]json.RawMessage) { m[key] = enc })
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.update(func(m map[string]json.RawMessage) { m[key] = json.RawMessage(strconv.Itoa(val)) })
}

func (b *fileBackend) Delete(key string) error {
	return b.update(func(m map[string]json.RawMessage) { delete(m, key) })
}
