package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scrat-backup/internal/archive"
	"scrat-backup/internal/config"
	"scrat-backup/internal/engine"
	"scrat-backup/internal/metastore"
	"scrat-backup/internal/scheduler"
)

// runnerFunc adapts a plain function to scheduler.Runner.
type runnerFunc func(ctx context.Context, destinationID string, sourceIDs, scheduleIDs []string) error

func (f runnerFunc) RunBackup(ctx context.Context, destinationID string, sourceIDs, scheduleIDs []string) error {
	return f(ctx, destinationID, sourceIDs, scheduleIDs)
}

// runScheduledBackup is the scheduler's Runner: it resolves the
// destination and sources the schedule named and drives the same
// engine.Backup path an interactive `backup` command uses, with kind
// left to auto-resolution since a schedule doesn't know whether the
// destination already has a chain.
func (a *App) runScheduledBackup(ctx context.Context, destinationID string, sourceIDs, scheduleIDs []string) error {
	passphrase, err := passphraseFromEnv()
	if err != nil {
		return fmt.Errorf("scheduled backup: %w", err)
	}

	dst, err := a.store.GetDestination(ctx, destinationID)
	if err != nil {
		return fmt.Errorf("scheduled backup: loading destination: %w", err)
	}
	sources := make([]metastore.Source, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		src, err := a.store.GetSource(ctx, id)
		if err != nil {
			return fmt.Errorf("scheduled backup: loading source %s: %w", id, err)
		}
		sources = append(sources, src)
	}

	compression, err := archive.ParseCompressionLevel(a.cfg.Policy.Compression)
	if err != nil {
		return fmt.Errorf("scheduled backup: %w", err)
	}

	_, err = a.engine.Backup(ctx, engine.BackupRequest{
		Sources:     sources,
		Destination: dst,
		Kind:        engine.KindAuto,
		Passphrase:  passphrase,
		Policy: engine.Policy{
			MaxVersions: a.cfg.Policy.MaxVersions,
			SplitSize:   a.cfg.Policy.SplitSizeBytes,
			ChunkSize:   uint32(a.cfg.Policy.ChunkSizeBytes),
		},
		Compression: compression,
	})
	return err
}

// StartBackup runs a backup against destinationName immediately,
// resolving full/incremental automatically unless kind overrides it.
// The passphrase comes from the environment so unattended invocations
// never block on a prompt; interactive callers (the CLI) should set
// PassphraseEnvVar themselves before calling this.
func (a *App) StartBackup(ctx context.Context, destinationName string, kind engine.BackupKind) (metastore.Backup, error) {
	if err := a.persistOperation(ctx); err != nil {
		return metastore.Backup{}, err
	}

	dst, err := a.destinationByName(ctx, destinationName)
	if err != nil {
		return metastore.Backup{}, a.fail(err)
	}
	sources, err := a.enabledSources(ctx)
	if err != nil {
		return metastore.Backup{}, a.fail(err)
	}
	passphrase, err := passphraseFromEnv()
	if err != nil {
		return metastore.Backup{}, a.fail(err)
	}
	compression, err := archive.ParseCompressionLevel(a.cfg.Policy.Compression)
	if err != nil {
		return metastore.Backup{}, a.fail(err)
	}

	b, err := a.engine.Backup(ctx, engine.BackupRequest{
		Sources:     sources,
		Destination: dst,
		Kind:        kind,
		Passphrase:  passphrase,
		Policy: engine.Policy{
			MaxVersions: a.cfg.Policy.MaxVersions,
			SplitSize:   a.cfg.Policy.SplitSizeBytes,
			ChunkSize:   uint32(a.cfg.Policy.ChunkSizeBytes),
		},
		Compression: compression,
	})
	return b, a.fail(err)
}

// ListRestorablePoints lists every completed backup on destinationName,
// newest first.
func (a *App) ListRestorablePoints(ctx context.Context, destinationName string) ([]engine.RestorePoint, error) {
	dst, err := a.destinationByName(ctx, destinationName)
	if err != nil {
		return nil, err
	}
	return a.engine.ListRestorablePoints(ctx, dst.ID)
}

// Restore restores the logical tree as of `at` from destinationName
// into targetDir. pathPrefixes, if non-empty, narrows the restore to
// files whose relative path starts with one of them.
func (a *App) Restore(ctx context.Context, destinationName string, at time.Time, pathPrefixes []string, targetDir string) (engine.RestoreResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return engine.RestoreResult{}, err
	}

	dst, err := a.destinationByName(ctx, destinationName)
	if err != nil {
		return engine.RestoreResult{}, a.fail(err)
	}
	passphrase, err := passphraseFromEnv()
	if err != nil {
		return engine.RestoreResult{}, a.fail(err)
	}

	var selection []engine.SelectionFilter
	for _, p := range pathPrefixes {
		selection = append(selection, engine.SelectionFilter{PathPrefix: p})
	}

	res, err := a.engine.Restore(ctx, engine.RestoreRequest{
		Destination: dst,
		At:          at,
		Passphrase:  passphrase,
		Selection:   selection,
		TargetDir:   targetDir,
	})
	return res, a.fail(err)
}

// TestDestination round-trips a small object against destinationName to
// verify reachability and write permission, per the destination
// interface's test() operation.
func (a *App) TestDestination(ctx context.Context, destinationName string) error {
	dst, err := a.destinationByName(ctx, destinationName)
	if err != nil {
		return err
	}
	store, err := a.engine.OpenDestination(dst)
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Disconnect()
	if err := store.Test(ctx); err != nil {
		return err
	}
	return a.store.TouchDestinationConnected(ctx, dst.ID, time.Now().UTC())
}

// AddSource registers a new backup source.
func (a *App) AddSource(ctx context.Context, name, rootPath string, excludePatterns []string) (metastore.Source, error) {
	if err := a.persistOperation(ctx); err != nil {
		return metastore.Source{}, err
	}
	src, err := a.store.CreateSource(ctx, metastore.Source{
		ID:              uuid.NewString(),
		Name:            name,
		RootPath:        rootPath,
		Enabled:         true,
		ExcludePatterns: strings.Join(excludePatterns, "\n"),
		CreatedAt:       time.Now().UTC(),
	})
	return src, a.fail(err)
}

// ListSources returns every configured source.
func (a *App) ListSources(ctx context.Context) ([]metastore.Source, error) {
	return a.store.ListSources(ctx)
}

// RemoveSource deletes a source by ID. Schedules that referenced it keep
// running against their remaining sources; it's the operator's job to
// adjust schedules pointing at a removed source.
func (a *App) RemoveSource(ctx context.Context, sourceID string) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	return a.fail(a.store.DeleteSource(ctx, sourceID))
}

// AddDestination registers a new backup destination from a config-file
// style tagged-union entry.
func (a *App) AddDestination(ctx context.Context, dc config.DestinationConfig) (metastore.Destination, error) {
	if err := a.persistOperation(ctx); err != nil {
		return metastore.Destination{}, err
	}
	cfgTOML, err := encodeDestinationConfig(dc)
	if err != nil {
		return metastore.Destination{}, a.fail(err)
	}
	dst, err := a.store.CreateDestination(ctx, metastore.Destination{
		ID:        uuid.NewString(),
		Name:      dc.Name,
		Type:      dc.Type,
		Config:    cfgTOML,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	})
	return dst, a.fail(err)
}

// ListDestinations returns every configured destination.
func (a *App) ListDestinations(ctx context.Context) ([]metastore.Destination, error) {
	return a.store.ListDestinations(ctx)
}

// InstallSchedule registers a new schedule, resolving its source and
// destination names against the catalog.
func (a *App) InstallSchedule(ctx context.Context, sc config.ScheduleConfig) (metastore.Schedule, error) {
	if err := a.persistOperation(ctx); err != nil {
		return metastore.Schedule{}, err
	}
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return metastore.Schedule{}, a.fail(err)
	}
	sourceByName := make(map[string]metastore.Source, len(sources))
	for _, s := range sources {
		sourceByName[s.Name] = s
	}
	dests, err := a.store.ListDestinations(ctx)
	if err != nil {
		return metastore.Schedule{}, a.fail(err)
	}
	destByName := make(map[string]metastore.Destination, len(dests))
	for _, d := range dests {
		destByName[d.Name] = d
	}
	sch, err := a.installSchedule(ctx, sc, sourceByName, destByName)
	return sch, a.fail(err)
}

// RemoveSchedule deletes a schedule by ID.
func (a *App) RemoveSchedule(ctx context.Context, scheduleID string) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	return a.fail(a.store.DeleteSchedule(ctx, scheduleID))
}

// ListSchedules returns every configured schedule.
func (a *App) ListSchedules(ctx context.Context) ([]metastore.Schedule, error) {
	return a.store.ListSchedules(ctx)
}

// TriggerDueSchedulesNow evaluates and runs every due schedule once,
// without starting the scheduler's background poll loop. This is what
// the `schedule run-due` CLI command calls.
func (a *App) TriggerDueSchedulesNow(ctx context.Context) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	a.sched.TriggerDueNow(ctx)
	return nil
}

// RunDaemon starts the scheduler's background poll loop and blocks
// until ctx is cancelled, the long-running process mode behind the
// `schedule` component's periodic worker.
func (a *App) RunDaemon(ctx context.Context) {
	a.sched.Start(ctx)
	<-ctx.Done()
	a.sched.Stop()
}

// GetHistory returns the most recent operations, newest first.
func (a *App) GetHistory(ctx context.Context, limit int) ([]metastore.Operation, error) {
	return a.store.ListOperations(ctx, limit)
}

// GetLog returns the most recent log entries, optionally scoped to one
// backup.
func (a *App) GetLog(ctx context.Context, backupID string, limit int) ([]metastore.LogEntry, error) {
	return a.store.ListLogs(ctx, backupID, limit)
}

func (a *App) destinationByName(ctx context.Context, name string) (metastore.Destination, error) {
	dests, err := a.store.ListDestinations(ctx)
	if err != nil {
		return metastore.Destination{}, err
	}
	for _, d := range dests {
		if d.Name == name {
			return d, nil
		}
	}
	return metastore.Destination{}, fmt.Errorf("no destination named %q", name)
}

func (a *App) enabledSources(ctx context.Context) ([]metastore.Source, error) {
	all, err := a.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	sources := make([]metastore.Source, 0, len(all))
	for _, s := range all {
		if s.Enabled {
			sources = append(sources, s)
		}
	}
	return sources, nil
}

// installSchedule resolves a config-style schedule against already
// loaded source/destination name maps and computes its first next_run.
func (a *App) installSchedule(ctx context.Context, sc config.ScheduleConfig, sourceByName map[string]metastore.Source, destByName map[string]metastore.Destination) (metastore.Schedule, error) {
	dst, ok := destByName[sc.DestinationName]
	if !ok {
		return metastore.Schedule{}, fmt.Errorf("schedule %q: no destination named %q", sc.Name, sc.DestinationName)
	}
	ids := make([]string, 0, len(sc.SourceNames))
	for _, name := range sc.SourceNames {
		src, ok := sourceByName[name]
		if !ok {
			return metastore.Schedule{}, fmt.Errorf("schedule %q: no source named %q", sc.Name, name)
		}
		ids = append(ids, src.ID)
	}

	row := metastore.Schedule{
		ID:            uuid.NewString(),
		Name:          sc.Name,
		Enabled:       sc.Enabled,
		Frequency:     sc.Frequency,
		SourceIDs:     strings.Join(ids, ","),
		DestinationID: dst.ID,
		CreatedAt:     time.Now().UTC(),
	}
	if sc.TimeOfDay != "" {
		row.TimeOfDay.String, row.TimeOfDay.Valid = sc.TimeOfDay, true
	}
	if len(sc.Weekdays) > 0 {
		row.Weekdays.String, row.Weekdays.Valid = strings.Join(sc.Weekdays, ","), true
	}
	if sc.DayOfMonth > 0 {
		row.DayOfMonth.Int64, row.DayOfMonth.Valid = int64(sc.DayOfMonth), true
	}

	next, err := scheduler.ComputeNextRun(row, time.Now().UTC())
	if err == nil {
		row.NextRun.Time, row.NextRun.Valid = next, true
	} else if err != scheduler.ErrNoNextRun {
		return metastore.Schedule{}, err
	}

	return a.store.CreateSchedule(ctx, row)
}
