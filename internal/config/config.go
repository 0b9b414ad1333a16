package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	App     AppConfig
	Cache   CacheConfig
	Backend BackendConfig
	Sync    SyncConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type AppConfig struct {
	Origin      string
	OpenCommand string
}

type CacheConfig struct {
	Prefix         string
	Version        string
	NetworkTimeout string
	ShellAssets    string // comma-separated paths
	ShellDocument  string
	APIMarkers     string // comma-separated path fragments
}

type BackendConfig struct {
	SubmitPath   string
	CheckPath    string
	ContactsPath string
	APIKey       string
}

type SyncConfig struct {
	MessagesTag      string
	ContactsTag      string
	PeriodicTag      string
	PeriodicInterval string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4010,
		},
		App: AppConfig{
			Origin:      "https://chatr.app",
			OpenCommand: "xdg-open",
		},
		Cache: CacheConfig{
			Prefix:         "chatr",
			Version:        "v1",
			NetworkTimeout: "5s",
			ShellAssets:    "/,/index.html,/manifest.json,/favicon.ico,/icons/icon-192.png",
			ShellDocument:  "/index.html",
			APIMarkers:     "/api/,/rest/v1/,/functions/v1/",
		},
		Backend: BackendConfig{
			SubmitPath:   "/functions/v1/send-message",
			CheckPath:    "/functions/v1/check-messages",
			ContactsPath: "/functions/v1/sync-contacts",
		},
		Sync: SyncConfig{
			MessagesTag:      "sync-messages",
			ContactsTag:      "sync-contacts",
			PeriodicTag:      "daily-sync",
			PeriodicInterval: "24h",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the relay configuration. Values are layered: built-in
// defaults, then the platform store (UserDefaults domain com.chatr.relay on
// macOS, $XDG_CONFIG_HOME/chatrelay/config.json or $CHATR_CONFIG_FILE
// elsewhere), then CHATR_* environment variables. The backend API key may
// also come from the secret store.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store reads for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()
	if err := readStored(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)

	// Collaborators may run unauthenticated, so a missing key is fine.
	if cfg.Backend.APIKey == "" {
		if key, err := kc.Get(secretService, backendKeyAccount); err == nil && key != "" {
			cfg.Backend.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks constraints that span more than one key.
func (c Config) validate() error {
	if !slices.Contains(c.ShellAssets(), c.Cache.ShellDocument) {
		return fmt.Errorf("invalid config: cache.shell_document %q is not listed in cache.shell_assets", c.Cache.ShellDocument)
	}
	if c.Sync.MessagesTag == c.Sync.ContactsTag {
		return fmt.Errorf("invalid config: sync.messages_tag and sync.contacts_tag are both %q", c.Sync.MessagesTag)
	}
	return nil
}

// NetworkTimeout returns the parsed API network timeout, falling back to 5s.
func (c Config) NetworkTimeout() time.Duration {
	return parseDurationOr(c.Cache.NetworkTimeout, 5*time.Second)
}

// PeriodicInterval returns how often the host delivers the periodic sync tag.
func (c Config) PeriodicInterval() time.Duration {
	return parseDurationOr(c.Sync.PeriodicInterval, 24*time.Hour)
}

// ShellAssets returns the configured shell asset paths.
func (c Config) ShellAssets() []string {
	return splitList(c.Cache.ShellAssets)
}

// APIMarkers returns the path fragments that identify backend API traffic.
func (c Config) APIMarkers() []string {
	return splitList(c.Cache.APIMarkers)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
