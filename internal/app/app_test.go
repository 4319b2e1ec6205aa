package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scrat-backup/internal/config"
	"scrat-backup/internal/engine"
	"scrat-backup/internal/metastore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("test-host", base)
	return cfg
}

func mustOpenApp(t *testing.T, cfg *config.Config, operation string) *App {
	t.Helper()
	a, err := New(cfg, operation)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_syncsConfigIntoCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []config.SourceConfig{{Name: "docs", RootPath: "/tmp/docs", Enabled: true}}
	cfg.Destinations = []config.DestinationConfig{
		{Name: "local-disk", Type: "local", Enabled: true, Local: &config.LocalDestinationConfig{Root: filepath.Join(cfg.BaseDir, "dest")}},
	}

	a := mustOpenApp(t, cfg, "backup")

	sources, err := a.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources() error = %v", err)
	}
	if len(sources) != 1 || sources[0].Name != "docs" {
		t.Fatalf("sources = %+v, want one source named docs", sources)
	}

	dests, err := a.ListDestinations(context.Background())
	if err != nil {
		t.Fatalf("ListDestinations() error = %v", err)
	}
	if len(dests) != 1 || dests[0].Name != "local-disk" {
		t.Fatalf("destinations = %+v, want one destination named local-disk", dests)
	}
}

func TestNew_syncIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []config.SourceConfig{{Name: "docs", RootPath: "/tmp/docs", Enabled: true}}

	a1 := mustOpenApp(t, cfg, "backup")
	a1.Close()

	a2 := mustOpenApp(t, cfg, "backup")
	sources, err := a2.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources() error = %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("sources = %+v, want exactly one (no duplicate on resync)", sources)
	}
}

func TestRecoverCrashed_marksOrphanedBackupFailed(t *testing.T) {
	cfg := testConfig(t)
	a := mustOpenApp(t, cfg, "backup")
	ctx := context.Background()

	dst, err := a.store.CreateDestination(ctx, metastore.Destination{
		ID: "dest-1", Name: "orphan-dest", Type: "local", Config: "", Enabled: true, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateDestination() error = %v", err)
	}
	if _, err := a.store.CreateBackup(ctx, metastore.Backup{
		ID: "backup-1", StartedAt: time.Now().UTC(), Type: metastore.BackupFull,
		DestinationID: dst.ID, Status: metastore.BackupRunning, Compression: "fast",
		Salt: []byte("salt"), Verifier: "v",
	}); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	a.Close()

	a2 := mustOpenApp(t, cfg, "backup")
	b, err := a2.store.GetBackup(ctx, "backup-1")
	if err != nil {
		t.Fatalf("GetBackup() error = %v", err)
	}
	if b.Status != metastore.BackupFailed {
		t.Errorf("status = %q, want %q", b.Status, metastore.BackupFailed)
	}
	if !b.ErrorMessage.Valid || b.ErrorMessage.String == "" {
		t.Error("expected an error message explaining the crash")
	}
}

func TestRecoverCrashed_marksOrphanedOperationError(t *testing.T) {
	cfg := testConfig(t)
	a := mustOpenApp(t, cfg, "backup")
	ctx := context.Background()

	op, err := a.store.StartOperation(ctx, "backup", "destination=x")
	if err != nil {
		t.Fatalf("StartOperation() error = %v", err)
	}
	a.Close()

	a2 := mustOpenApp(t, cfg, "backup")
	ops, err := a2.store.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	var found bool
	for _, o := range ops {
		if o.ID == op.ID {
			found = true
			if o.Status != metastore.OperationError {
				t.Errorf("status = %q, want %q", o.Status, metastore.OperationError)
			}
		}
	}
	if !found {
		t.Fatalf("operation %d not found in history", op.ID)
	}
}

func TestStartBackupAndRestore_roundTrip(t *testing.T) {
	cfg := testConfig(t)
	srcDir := t.TempDir()
	writeTestFile(t, filepath.Join(srcDir, "a.txt"), "hello world")

	destRoot := filepath.Join(cfg.BaseDir, "dest")
	cfg.Sources = []config.SourceConfig{{Name: "docs", RootPath: srcDir, Enabled: true}}
	cfg.Destinations = []config.DestinationConfig{
		{Name: "local-disk", Type: "local", Enabled: true, Local: &config.LocalDestinationConfig{Root: destRoot}},
	}

	t.Setenv(PassphraseEnvVar, "correct horse battery staple")
	a := mustOpenApp(t, cfg, "backup")
	ctx := context.Background()

	if err := a.TestDestination(ctx, "local-disk"); err != nil {
		t.Fatalf("TestDestination() error = %v", err)
	}

	b, err := a.StartBackup(ctx, "local-disk", engine.KindFull)
	if err != nil {
		t.Fatalf("StartBackup() error = %v", err)
	}
	if b.Status != metastore.BackupCompleted {
		t.Fatalf("backup status = %q, want completed", b.Status)
	}

	points, err := a.ListRestorablePoints(ctx, "local-disk")
	if err != nil {
		t.Fatalf("ListRestorablePoints() error = %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("restorable points = %d, want 1", len(points))
	}

	targetDir := t.TempDir()
	res, err := a.Restore(ctx, "local-disk", points[0].Timestamp, nil, targetDir)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if res.FilesRestored != 1 {
		t.Errorf("files restored = %d, want 1", res.FilesRestored)
	}
}

func TestStartBackup_missingPassphrase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Destinations = []config.DestinationConfig{
		{Name: "local-disk", Type: "local", Enabled: true, Local: &config.LocalDestinationConfig{Root: filepath.Join(cfg.BaseDir, "dest")}},
	}
	a := mustOpenApp(t, cfg, "backup")

	_, err := a.StartBackup(context.Background(), "local-disk", engine.KindFull)
	if err == nil {
		t.Fatal("expected error when SCRATBACKUP_PASSPHRASE is unset")
	}
}

func TestStartBackup_unknownDestination(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(PassphraseEnvVar, "x")
	a := mustOpenApp(t, cfg, "backup")

	_, err := a.StartBackup(context.Background(), "does-not-exist", engine.KindFull)
	if err == nil {
		t.Fatal("expected error for unknown destination")
	}
}

func TestInstallAndRemoveSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []config.SourceConfig{{Name: "docs", RootPath: "/tmp/docs", Enabled: true}}
	cfg.Destinations = []config.DestinationConfig{
		{Name: "local-disk", Type: "local", Enabled: true, Local: &config.LocalDestinationConfig{Root: filepath.Join(cfg.BaseDir, "dest")}},
	}
	a := mustOpenApp(t, cfg, "install-schedule")
	ctx := context.Background()

	sch, err := a.InstallSchedule(ctx, config.ScheduleConfig{
		Name: "nightly", Enabled: true, Frequency: "daily", TimeOfDay: "02:00",
		SourceNames: []string{"docs"}, DestinationName: "local-disk",
	})
	if err != nil {
		t.Fatalf("InstallSchedule() error = %v", err)
	}
	if !sch.NextRun.Valid {
		t.Error("expected NextRun to be computed for a daily schedule")
	}

	scheds, err := a.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules() error = %v", err)
	}
	if len(scheds) != 1 {
		t.Fatalf("schedules = %d, want 1", len(scheds))
	}

	if err := a.RemoveSchedule(ctx, sch.ID); err != nil {
		t.Fatalf("RemoveSchedule() error = %v", err)
	}
	scheds, err = a.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules() error = %v", err)
	}
	if len(scheds) != 0 {
		t.Fatalf("schedules after remove = %d, want 0", len(scheds))
	}
}

func TestInstallSchedule_unknownSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Destinations = []config.DestinationConfig{
		{Name: "local-disk", Type: "local", Enabled: true, Local: &config.LocalDestinationConfig{Root: filepath.Join(cfg.BaseDir, "dest")}},
	}
	a := mustOpenApp(t, cfg, "install-schedule")

	_, err := a.InstallSchedule(context.Background(), config.ScheduleConfig{
		Name: "nightly", Enabled: true, Frequency: "daily",
		SourceNames: []string{"ghost"}, DestinationName: "local-disk",
	})
	if err == nil {
		t.Fatal("expected error for unknown source name")
	}
}

func TestGetHistoryAndLog(t *testing.T) {
	cfg := testConfig(t)
	a := mustOpenApp(t, cfg, "source-add")
	ctx := context.Background()

	if _, err := a.AddSource(ctx, "docs", "/tmp/docs", nil); err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}

	history, err := a.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Operation != "source-add" {
		t.Fatalf("history = %+v, want one source-add entry", history)
	}

	if _, err := a.GetLog(ctx, "", 10); err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
}

func TestRemoveSource(t *testing.T) {
	cfg := testConfig(t)
	a := mustOpenApp(t, cfg, "source-add")
	ctx := context.Background()

	src, err := a.AddSource(ctx, "docs", "/tmp/docs", nil)
	if err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}

	if err := a.RemoveSource(ctx, src.ID); err != nil {
		t.Fatalf("RemoveSource() error = %v", err)
	}

	sources, err := a.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources() error = %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("sources after remove = %d, want 0", len(sources))
	}
}

func TestTriggerDueSchedulesNow_runsDueSchedule(t *testing.T) {
	cfg := testConfig(t)
	srcDir := t.TempDir()
	writeTestFile(t, filepath.Join(srcDir, "a.txt"), "hello")
	cfg.Sources = []config.SourceConfig{{Name: "docs", RootPath: srcDir, Enabled: true}}
	cfg.Destinations = []config.DestinationConfig{
		{Name: "local-disk", Type: "local", Enabled: true, Local: &config.LocalDestinationConfig{Root: filepath.Join(cfg.BaseDir, "dest")}},
	}
	t.Setenv(PassphraseEnvVar, "x")
	a := mustOpenApp(t, cfg, "schedule-run-due")
	ctx := context.Background()

	sch, err := a.InstallSchedule(ctx, config.ScheduleConfig{
		Name: "now", Enabled: true, Frequency: "daily", TimeOfDay: "00:00",
		SourceNames: []string{"docs"}, DestinationName: "local-disk",
	})
	if err != nil {
		t.Fatalf("InstallSchedule() error = %v", err)
	}
	// Force it due by moving next_run into the past.
	past := time.Now().UTC().Add(-time.Hour)
	if err := a.store.UpdateScheduleRun(ctx, sch.ID, past, &past); err != nil {
		t.Fatalf("UpdateScheduleRun() error = %v", err)
	}

	if err := a.TriggerDueSchedulesNow(ctx); err != nil {
		t.Fatalf("TriggerDueSchedulesNow() error = %v", err)
	}

	points, err := a.ListRestorablePoints(ctx, "local-disk")
	if err != nil {
		t.Fatalf("ListRestorablePoints() error = %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("restorable points after trigger = %d, want 1", len(points))
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test file %s: %v", path, err)
	}
}
