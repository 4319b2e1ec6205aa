// Package config reads and writes the TOML configuration file that
// seeds the catalog's sources, destinations, schedules and backup
// policy on first run.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level on-disk configuration for one host.
type Config struct {
	HostID       string              `toml:"host_id"`
	BaseDir      string              `toml:"base_dir"`
	LogDir       string              `toml:"log_dir"`
	Policy       PolicyConfig        `toml:"policy"`
	Sources      []SourceConfig      `toml:"sources"`
	Destinations []DestinationConfig `toml:"destinations"`
	Schedules    []ScheduleConfig    `toml:"schedules"`
}

// PolicyConfig is the backup policy's recognized options: retention,
// segment/chunk sizing, compression preset and post-backup
// verification.
type PolicyConfig struct {
	MaxVersions       int    `toml:"max_versions"`
	SplitSizeBytes    int64  `toml:"split_size_bytes"`
	ChunkSizeBytes    int64  `toml:"chunk_size_bytes"`
	Compression       string `toml:"compression"` // "none", "fast", "balanced", "best"
	VerifyAfterBackup bool   `toml:"verify_after_backup"`
}

func defaultPolicy() PolicyConfig {
	return PolicyConfig{
		MaxVersions:    3,
		SplitSizeBytes: 128 << 20,
		ChunkSizeBytes: 64 << 20,
		Compression:    "fast",
	}
}

// SourceConfig is one directory tree to back up.
type SourceConfig struct {
	Name            string   `toml:"name"`
	RootPath        string   `toml:"root_path"`
	Enabled         bool     `toml:"enabled"`
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// DestinationConfig is a tagged union on Type, exactly like the
// teacher's VaultConfig/EncryptionConfig — Type determines which
// block is populated, and the rest are omitted on write.
type DestinationConfig struct {
	ID      string `toml:"id"`
	Name    string `toml:"name"`
	Type    string `toml:"type"` // "local", "sftp", "smb", "webdav", "shelled_multi_cloud"
	Enabled bool   `toml:"enabled"`

	Local   *LocalDestinationConfig   `toml:"local,omitempty"`
	SFTP    *SFTPDestinationConfig    `toml:"sftp,omitempty"`
	SMB     *SMBDestinationConfig     `toml:"smb,omitempty"`
	WebDAV  *WebDAVDestinationConfig  `toml:"webdav,omitempty"`
	Shelled *ShelledDestinationConfig `toml:"shelled_multi_cloud,omitempty"`
}

type LocalDestinationConfig struct {
	Root string `toml:"root"`
}

type SFTPDestinationConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	User       string `toml:"user"`
	Root       string `toml:"root"`
	PrivateKey string `toml:"private_key_path,omitempty"`
}

type SMBDestinationConfig struct {
	Host  string `toml:"host"`
	Share string `toml:"share"`
	User  string `toml:"user"`
	Root  string `toml:"root,omitempty"`
}

type WebDAVDestinationConfig struct {
	URL  string `toml:"url"`
	User string `toml:"user"`
}

type ShelledDestinationConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args,omitempty"`
}

// ScheduleConfig drives one entry in the schedules table. Frequency is
// one of "daily", "weekly", "monthly", "startup", "shutdown".
type ScheduleConfig struct {
	Name            string   `toml:"name"`
	Enabled         bool     `toml:"enabled"`
	Frequency       string   `toml:"frequency"`
	TimeOfDay       string   `toml:"time_of_day,omitempty"`
	Weekdays        []string `toml:"weekdays,omitempty"`
	DayOfMonth      int      `toml:"day_of_month,omitempty"`
	SourceNames     []string `toml:"source_names"`
	DestinationName string   `toml:"destination_name"`
}

// NewConfig creates a new Config with the provided identity and
// default paths/policy.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Policy:  defaultPolicy(),
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader, filling in any
// policy fields the file omitted with their defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := &Config{Policy: defaultPolicy()}
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// WriteToFile writes cfg to path, overwriting any existing file. The
// source, destination and schedule commands record their changes in the
// catalog and do not call it.
func WriteToFile(path string, cfg *Config) error {
	return writeToFile(path, cfg)
}
