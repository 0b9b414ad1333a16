//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay", "config.json")
	b := newFileBackend(path)
	if err := b.SetString("cache.version", "v3"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 4321); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	reloaded := newFileBackend(path)
	cfg, err := loadWith(reloaded, noKeychain())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Cache.Version != "v3" || cfg.Server.Port != 4321 {
		t.Errorf("reloaded config = %q/%d, want v3/4321", cfg.Cache.Version, cfg.Server.Port)
	}
}

func TestFileBackendAcceptsHandWrittenNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server.port": 5050, "cache.version": "v2"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newFileBackend(path), noKeychain())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5050 || cfg.Cache.Version != "v2" {
		t.Errorf("config = %d/%q, want 5050/v2", cfg.Server.Port, cfg.Cache.Version)
	}
}

func TestFileBackendDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete("log.level"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := newFileBackend(path).GetString("log.level"); ok {
		t.Error("deleted key survived a reload")
	}
}

func TestFileBackendCorruptFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadWith(newFileBackend(path), noKeychain())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4010 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestConfigFileEnvOverride(t *testing.T) {
	t.Setenv("CHATR_CONFIG_FILE", "/tmp/elsewhere.json")
	if got := configFilePath(); got != "/tmp/elsewhere.json" {
		t.Errorf("configFilePath() = %q", got)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet("chatrelay", "api_token"); err == nil {
		t.Fatal("expected error before anything is stored")
	}
	if err := keychainSet("chatrelay", "api_token", "abc"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet("chatrelay", "api_token")
	if err != nil || string(got) != "abc" {
		t.Fatalf("keychainGet = %q, %v", got, err)
	}
	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}
