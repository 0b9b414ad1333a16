package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// kind decides how a raw setting is validated and stored.
type kind int

const (
	kindText kind = iota
	kindPort
	kindDuration
	kindOrigin
	kindLevel
	kindList
	kindPath
)

// normalize checks raw against the kind and returns the value to store.
func (k kind) normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch k {
	case kindPort:
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 || p > 65535 {
			return "", fmt.Errorf("%q is not a TCP port", raw)
		}
		return strconv.Itoa(p), nil
	case kindDuration:
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("%q is not a positive duration", raw)
		}
		return raw, nil
	case kindOrigin:
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%q must be an http(s) URL", raw)
		}
		return strings.TrimRight(raw, "/"), nil
	case kindLevel:
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(raw)); err != nil {
			return "", fmt.Errorf("%q is not a log level", raw)
		}
		return strings.ToLower(raw), nil
	case kindList:
		parts := splitList(raw)
		if len(parts) == 0 {
			return "", fmt.Errorf("list must not be empty")
		}
		return strings.Join(parts, ","), nil
	case kindPath:
		if !strings.HasPrefix(raw, "/") {
			return "", fmt.Errorf("%q must start with /", raw)
		}
		return raw, nil
	default:
		if raw == "" {
			return "", fmt.Errorf("value must not be empty")
		}
		return raw, nil
	}
}

// setting binds a dotted key to a Config field. Port is the only int
// field; everything else is a string pointer.
type setting struct {
	key    string
	kind   kind
	secret bool
	field  func(c *Config) *string
}

// env is the variable that overrides the key: server.port -> CHATR_SERVER_PORT.
func (s setting) env() string {
	return "CHATR_" + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

func (s setting) assign(c *Config, raw string) error {
	v, err := s.kind.normalize(raw)
	if err != nil {
		return err
	}
	if s.kind == kindPort {
		c.Server.Port, _ = strconv.Atoi(v)
		return nil
	}
	*s.field(c) = v
	return nil
}

func (s setting) current(c Config) string {
	if s.kind == kindPort {
		return strconv.Itoa(c.Server.Port)
	}
	return *s.field(&c)
}

func str(key string, k kind, field func(c *Config) *string) setting {
	return setting{key: key, kind: k, field: field}
}

var settings = []setting{
	{key: "server.port", kind: kindPort},
	str("app.origin", kindOrigin, func(c *Config) *string { return &c.App.Origin }),
	str("app.open_command", kindText, func(c *Config) *string { return &c.App.OpenCommand }),
	str("cache.prefix", kindText, func(c *Config) *string { return &c.Cache.Prefix }),
	str("cache.version", kindText, func(c *Config) *string { return &c.Cache.Version }),
	str("cache.network_timeout", kindDuration, func(c *Config) *string { return &c.Cache.NetworkTimeout }),
	str("cache.shell_assets", kindList, func(c *Config) *string { return &c.Cache.ShellAssets }),
	str("cache.shell_document", kindPath, func(c *Config) *string { return &c.Cache.ShellDocument }),
	str("cache.api_markers", kindList, func(c *Config) *string { return &c.Cache.APIMarkers }),
	str("backend.submit_path", kindPath, func(c *Config) *string { return &c.Backend.SubmitPath }),
	str("backend.check_path", kindPath, func(c *Config) *string { return &c.Backend.CheckPath }),
	str("backend.contacts_path", kindPath, func(c *Config) *string { return &c.Backend.ContactsPath }),
	{key: "backend.api_key", kind: kindText, secret: true, field: func(c *Config) *string { return &c.Backend.APIKey }},
	str("sync.messages_tag", kindText, func(c *Config) *string { return &c.Sync.MessagesTag }),
	str("sync.contacts_tag", kindText, func(c *Config) *string { return &c.Sync.ContactsTag }),
	str("sync.periodic_tag", kindText, func(c *Config) *string { return &c.Sync.PeriodicTag }),
	str("sync.periodic_interval", kindDuration, func(c *Config) *string { return &c.Sync.PeriodicInterval }),
	str("storage.data_dir", kindText, func(c *Config) *string { return &c.Storage.DataDir }),
	str("log.level", kindLevel, func(c *Config) *string { return &c.Log.Level }),
}

func lookup(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// readStored copies stored values into cfg. A stored value that fails
// validation is an error: `config set` never writes one, so the store was
// edited by hand.
func readStored(cfg *Config, b ConfigBackend) error {
	for _, s := range settings {
		if s.secret {
			continue
		}
		raw, ok, err := readRaw(b, s)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		if err := s.assign(cfg, raw); err != nil {
			return fmt.Errorf("invalid config: %s: %w", s.key, err)
		}
	}
	return nil
}

func readRaw(b ConfigBackend, s setting) (string, bool, error) {
	if s.kind == kindPort {
		i, ok, err := b.GetInt(s.key)
		return strconv.Itoa(i), ok, err
	}
	return b.GetString(s.key)
}

// applyEnv lets CHATR_* variables win over stored values. Bad values are
// logged and skipped so a typo in a shell profile does not stop the relay.
func applyEnv(cfg *Config) {
	for _, s := range settings {
		raw, ok := os.LookupEnv(s.env())
		if !ok || raw == "" {
			continue
		}
		if err := s.assign(cfg, raw); err != nil {
			slog.Warn("ignoring environment override", "var", s.env(), "error", err)
		}
	}
}
