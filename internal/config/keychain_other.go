//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Without a system keychain, secrets live in a 0600 file next to the
// relay database, keyed "service/account".
var secretsMu sync.Mutex

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "secrets.json")
}

func readSecrets(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	secrets, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	v, ok := secrets[service+"/"+account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	path := secretsFilePath()
	secrets, err := readSecrets(path)
	if err != nil {
		return err
	}
	secrets[service+"/"+account] = value
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
