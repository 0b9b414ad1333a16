//go:build darwin

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

const defaultsDomain = "com.chatr.relay"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatrelay-data"
	}
	return filepath.Join(home, "Library", "Application Support", "chatrelay")
}

// defaultsBackend stores settings in UserDefaults through the defaults(1)
// tool, so they survive reinstalls and show up in `defaults read`.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend{domain: defaultsDomain}
}

// run invokes defaults(1). A missing key or domain exits 1, which is
// reported as errNoDefault.
func (b defaultsBackend) run(verb, key string, extra ...string) (string, error) {
	args := append([]string{verb, b.domain, key}, extra...)
	out, err := exec.Command("defaults", args...).CombinedOutput()
	out = bytes.TrimSpace(out)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && verb != "write" {
		return "", errNoDefault
	}
	if err != nil {
		return "", fmt.Errorf("defaults %s %s: %w (%s)", verb, key, err, out)
	}
	return string(out), nil
}

var errNoDefault = errors.New("no such default")

func (b defaultsBackend) GetString(key string) (string, bool, error) {
	v, err := b.run("read", key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	return v, err == nil, err
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	v, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return i, true, nil
}

func (b defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

// Delete treats an already-absent key as success.
func (b defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	if errors.Is(err, errNoDefault) {
		return nil
	}
	return err
}
