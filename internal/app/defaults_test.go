package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("SCRATBACKUP_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("SCRATBACKUP_HOME", "/custom/scrat-backup")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/scrat-backup" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/scrat-backup")
		}
		if defaults["log_dir"] != "/custom/scrat-backup/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/scrat-backup/log")
		}
		if defaults["catalog_path"] != "/custom/scrat-backup/catalog.db" {
			t.Errorf("catalog_path = %q, want %q", defaults["catalog_path"], "/custom/scrat-backup/catalog.db")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("SCRATBACKUP_CONFIG_PATH", "")
		t.Setenv("SCRATBACKUP_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "scrat-backup", "config.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "scrat-backup")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}

		wantLog := filepath.Join(wantBase, "log")
		if defaults["log_dir"] != wantLog {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], wantLog)
		}
	})
}
