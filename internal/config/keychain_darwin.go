//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// Secrets go to the login keychain as generic passwords labelled
// "chatrelay".

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain item %s/%s: %w", service, account, err)
	}
	return out, nil
}

func keychainSet(service, account, value string) error {
	cmd := exec.Command("security", "add-generic-password", "-U", "-l", "chatrelay", "-s", service, "-a", account, "-w", value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("storing keychain item %s/%s: %w (%s)", service, account, err, out)
	}
	return nil
}
