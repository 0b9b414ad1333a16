package config

import (
	"fmt"
	"os"
	"strconv"
)

// Where a displayed value came from.
const (
	SourceDefault = "default"
	SourceStored  = "stored"
	SourceEnv     = "env"
)

// KeyInfo is one row of `chatrelay config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll lists every non-secret key with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	base := defaults()
	out := make([]KeyInfo, 0, len(settings))
	for _, s := range settings {
		if s.secret {
			continue
		}
		info := KeyInfo{Key: s.key, EnvVar: s.env(), Value: s.current(cfg), Source: SourceStored}
		switch {
		case os.Getenv(info.EnvVar) != "":
			info.Source = SourceEnv
		case info.Value == s.current(base):
			info.Source = SourceDefault
		}
		out = append(out, info)
	}
	return out
}

// SetKey validates value and persists it in the platform store.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

// UnsetKey removes a stored value so the default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func settable(key string) (setting, error) {
	s, ok := lookup(key)
	if !ok {
		return setting{}, fmt.Errorf("unknown config key %q", key)
	}
	if s.secret {
		return setting{}, fmt.Errorf("%s is a secret; export %s or store it in the keychain", key, s.env())
	}
	return s, nil
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	v, err := s.kind.normalize(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if s.kind == kindPort {
		port, _ := strconv.Atoi(v)
		return b.SetInt(key, port)
	}
	return b.SetString(key, v)
}

func unsetKeyWith(b ConfigBackend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys names the keys `config set` accepts.
func ValidKeys() []string {
	keys := make([]string, 0, len(settings))
	for _, s := range settings {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
