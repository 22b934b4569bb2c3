package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - SPHUB_CONFIG_PATH: config file location (default: ~/.config/sphubd.toml)
//   - SPHUB_HOME: base directory for sphubd data (default: ~/.local/share/sphubd)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking SPHUB_CONFIG_PATH env var first,
// then falling back to the default ~/.config/sphubd.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("SPHUB_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "sphubd.toml"), nil
}

// getBaseDir returns the base directory for sphubd data, checking SPHUB_HOME env var first,
// then falling back to the XDG default ~/.local/share/sphubd.
func getBaseDir() (string, error) {
	if path := os.Getenv("SPHUB_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "sphubd"), nil
}
