package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	secretService     = "chatrelay"
	apiTokenAccount   = "api_token"
	backendKeyAccount = "backend_api_key"
)

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct {
	keychainReader
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 secrets file under XDG_DATA_HOME elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

// GetAPIToken returns the bearer token guarding management endpoints,
// generating and persisting one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(secretService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
