package config

import (
	"os"
	"path/filepath"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".mirage"), nil
}

// DefaultPath returns where the relay looks for its config file when none is
// given: relay.yaml in the working directory if present, else
// ~/.mirage/relay.yaml.
func DefaultPath() string {
	if _, err := os.Stat("relay.yaml"); err == nil {
		return "relay.yaml"
	}
	dir, err := GetUserConfigDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(dir, "relay.yaml")
}
