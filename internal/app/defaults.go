package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment
// variables first.
// Environment variables:
//   - SCRATBACKUP_CONFIG_PATH: config file location (default: ~/.config/scrat-backup/config.toml)
//   - SCRATBACKUP_HOME: base directory for application data (default: ~/.local/share/scrat-backup)
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
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"catalog_path": filepath.Join(baseDir, "catalog.db"),
	}, nil
}

// getConfigPath returns the config file path, checking
// SCRATBACKUP_CONFIG_PATH env var first, then falling back to the
// default ~/.config/scrat-backup/config.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("SCRATBACKUP_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "scrat-backup", "config.toml"), nil
}

// getBaseDir returns the base directory for application data, checking
// SCRATBACKUP_HOME env var first, then falling back to the XDG default
// ~/.local/share/scrat-backup.
func getBaseDir() (string, error) {
	if path := os.Getenv("SCRATBACKUP_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "scrat-backup"), nil
}
