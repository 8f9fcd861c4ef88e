package config

import (
	"os"
	"path/filepath"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "WEBWORKER_CONFIG"

// GetConfigPath returns the configuration file path: $WEBWORKER_CONFIG when
// set, otherwise ~/.webworker/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv(PathEnvVar); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".webworker", "config"), nil
}
