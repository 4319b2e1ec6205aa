package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		HostID:  "test-host-abc",
		BaseDir: "/home/user/.local/share/scrat-backup",
		LogDir:  "/home/user/.local/share/scrat-backup/log",
		Policy: PolicyConfig{
			MaxVersions: 5, SplitSizeBytes: 64 << 20, ChunkSizeBytes: 32 << 20,
			Compression: "balanced", VerifyAfterBackup: true,
		},
		Sources: []SourceConfig{
			{Name: "docs", RootPath: "/home/user/docs", Enabled: true, ExcludePatterns: []string{"*.tmp"}},
		},
		Destinations: []DestinationConfig{
			{ID: "dst1", Name: "local-disk", Type: "local", Enabled: true, Local: &LocalDestinationConfig{Root: "/backup/vault"}},
		},
		Schedules: []ScheduleConfig{
			{Name: "nightly", Enabled: true, Frequency: "daily", TimeOfDay: "02:00", SourceNames: []string{"docs"}, DestinationName: "local-disk"},
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.Policy.MaxVersions != 5 {
		t.Errorf("Policy.MaxVersions = %d, want 5", got.Policy.MaxVersions)
	}
	if got.Policy.Compression != "balanced" {
		t.Errorf("Policy.Compression = %q, want %q", got.Policy.Compression, "balanced")
	}
	if len(got.Sources) != 1 || got.Sources[0].RootPath != "/home/user/docs" {
		t.Fatalf("Sources = %+v, want one source rooted at /home/user/docs", got.Sources)
	}
	if len(got.Destinations) != 1 || got.Destinations[0].Type != "local" {
		t.Fatalf("Destinations = %+v, want one local destination", got.Destinations)
	}
	if got.Destinations[0].Local == nil || got.Destinations[0].Local.Root != "/backup/vault" {
		t.Fatalf("Destinations[0].Local = %+v, want Root=/backup/vault", got.Destinations[0].Local)
	}
	if got.Destinations[0].SFTP != nil {
		t.Errorf("Destinations[0].SFTP = %+v, want nil for a local destination", got.Destinations[0].SFTP)
	}
	if len(got.Schedules) != 1 || got.Schedules[0].Frequency != "daily" {
		t.Fatalf("Schedules = %+v, want one daily schedule", got.Schedules)
	}
}

func TestManager_Read_FillsPolicyDefaults(t *testing.T) {
	m := &Manager{}
	got, err := m.Read(bytes.NewBufferString(`host_id = "h1"` + "\n"))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Policy.MaxVersions != 3 {
		t.Errorf("Policy.MaxVersions = %d, want default 3", got.Policy.MaxVersions)
	}
	if got.Policy.Compression != "fast" {
		t.Errorf("Policy.Compression = %q, want default %q", got.Policy.Compression, "fast")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/scrat-backup")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.BaseDir != "/data/scrat-backup" {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, "/data/scrat-backup")
	}
	if cfg.LogDir != "/data/scrat-backup/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/scrat-backup/log")
	}
	if cfg.Policy.MaxVersions != 3 {
		t.Errorf("Policy.MaxVersions = %d, want 3", cfg.Policy.MaxVersions)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("read-test", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/config.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}

func TestWriteToFile_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := NewConfig("h1", dir)
	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	cfg.Sources = append(cfg.Sources, SourceConfig{Name: "docs", RootPath: "/docs", Enabled: true})
	if err := WriteToFile(path, cfg); err != nil {
		t.Fatalf("WriteToFile() error = %v", err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if len(got.Sources) != 1 {
		t.Fatalf("Sources = %+v, want one entry after overwrite", got.Sources)
	}
}
