package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"scrat-backup/internal/clock"
	"scrat-backup/internal/config"
	"scrat-backup/internal/destination"
	"scrat-backup/internal/engine"
	"scrat-backup/internal/eventbus"
	"scrat-backup/internal/metastore"
	"scrat-backup/internal/scheduler"
)

// PassphraseEnvVar is where an unattended run (a scheduled backup, or a
// CLI invocation that doesn't want to prompt) reads the encryption
// passphrase from, since the catalog never stores it.
const PassphraseEnvVar = "SCRATBACKUP_PASSPHRASE"

// App is the application layer between the CLI and the engine. It
// constructs all dependencies from config, exposes high-level
// operations keyed by name instead of catalog ID, and manages the
// catalog's lifecycle on Close, mirroring the teacher's BTApp shape.
type App struct {
	cfg    *config.Config
	store  *metastore.Store
	bus    *eventbus.Bus
	engine *engine.Engine
	sched  *scheduler.Scheduler
	op     *BackupOperation

	logFile *os.File
}

// New creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "backup", "install-schedule").
// The caller must call Close when done.
func New(cfg *config.Config, operation string) (*App, error) {
	catalogPath := filepath.Join(cfg.BaseDir, "catalog.db")
	store, err := metastore.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	bus := eventbus.New()
	eng := engine.New(store, bus, clock.RealClock{}, clock.UUIDGenerator{}, logger)

	a := &App{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		engine:  eng,
		op:      NewBackupOperation(operation, ""),
		logFile: logFile,
	}
	a.sched = scheduler.New(store, bus, clock.RealClock{}, runnerFunc(a.runScheduledBackup), logger)

	ctx := context.Background()
	if err := a.syncConfig(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("syncing config into catalog: %w", err)
	}
	if err := a.recoverCrashed(ctx); err != nil {
		logger.Error("recovering crashed state", "error", err)
	}

	return a, nil
}

// Bus exposes the event stream for a UI adapter to subscribe to.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Scheduler exposes the scheduler for the daemon and run-due commands.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// persistOperation saves the pending operation to the catalog, giving
// it an auto-increment ID. Only called by commands that mutate state,
// so read-only commands (list, test) never show up in crash recovery.
func (a *App) persistOperation(ctx context.Context) error {
	if a.op.Persisted() {
		return nil
	}
	op, err := a.store.StartOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = op.ID
	return nil
}

// recoverCrashed marks any Backup or Operation row still "running" as
// failed or errored. The only way such a row can be observed by the
// time New returns is that the process which created it died mid-run.
func (a *App) recoverCrashed(ctx context.Context) error {
	running, err := a.store.ListRunningBackups(ctx)
	if err != nil {
		return fmt.Errorf("listing running backups: %w", err)
	}
	for _, b := range running {
		if err := a.store.FinishBackup(ctx, b.ID, metastore.BackupFailed, time.Now().UTC(), "process restarted mid-run"); err != nil {
			return fmt.Errorf("failing orphaned backup %s: %w", b.ID, err)
		}
	}

	ops, err := a.store.ListRunningOperations(ctx)
	if err != nil {
		return fmt.Errorf("listing running operations: %w", err)
	}
	for _, op := range ops {
		if err := a.store.FinishOperation(ctx, op.ID, metastore.OperationError); err != nil {
			return fmt.Errorf("failing orphaned operation %d: %w", op.ID, err)
		}
	}
	return nil
}

// syncConfig creates any source, destination, or schedule named in the
// config file but missing from the catalog. The catalog is the runtime
// source of truth; the config file is the human-edited seed applied on
// every start, so renames or deletions made only in the config file
// aren't reflected here — use the source/destination/schedule commands
// for those.
func (a *App) syncConfig(ctx context.Context) error {
	existingSources, err := a.store.ListSources(ctx)
	if err != nil {
		return err
	}
	sourceByName := make(map[string]metastore.Source, len(existingSources))
	for _, s := range existingSources {
		sourceByName[s.Name] = s
	}
	for _, sc := range a.cfg.Sources {
		if _, ok := sourceByName[sc.Name]; ok {
			continue
		}
		src, err := a.store.CreateSource(ctx, metastore.Source{
			ID:              uuid.NewString(),
			Name:            sc.Name,
			RootPath:        sc.RootPath,
			Enabled:         sc.Enabled,
			ExcludePatterns: strings.Join(sc.ExcludePatterns, "\n"),
			CreatedAt:       time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("creating source %q: %w", sc.Name, err)
		}
		sourceByName[src.Name] = src
	}

	existingDests, err := a.store.ListDestinations(ctx)
	if err != nil {
		return err
	}
	destByName := make(map[string]metastore.Destination, len(existingDests))
	for _, d := range existingDests {
		destByName[d.Name] = d
	}
	for _, dc := range a.cfg.Destinations {
		if _, ok := destByName[dc.Name]; ok {
			continue
		}
		cfgTOML, err := encodeDestinationConfig(dc)
		if err != nil {
			return fmt.Errorf("encoding destination %q: %w", dc.Name, err)
		}
		id := dc.ID
		if id == "" {
			id = uuid.NewString()
		}
		dst, err := a.store.CreateDestination(ctx, metastore.Destination{
			ID:        id,
			Name:      dc.Name,
			Type:      dc.Type,
			Config:    cfgTOML,
			Enabled:   dc.Enabled,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("creating destination %q: %w", dc.Name, err)
		}
		destByName[dst.Name] = dst
	}

	existingScheds, err := a.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	schedByName := make(map[string]bool, len(existingScheds))
	for _, s := range existingScheds {
		schedByName[s.Name] = true
	}
	for _, sc := range a.cfg.Schedules {
		if schedByName[sc.Name] {
			continue
		}
		if _, err := a.installSchedule(ctx, sc, sourceByName, destByName); err != nil {
			return fmt.Errorf("installing schedule %q: %w", sc.Name, err)
		}
	}
	return nil
}

// encodeDestinationConfig converts a config-file destination entry into
// the destination.Config tagged union and marshals it to the TOML blob
// stored on the catalog's Destination row.
func encodeDestinationConfig(dc config.DestinationConfig) (string, error) {
	cfg := destination.Config{Type: dc.Type}
	if dc.Local != nil {
		cfg.Local = &destination.LocalConfig{Root: dc.Local.Root}
	}
	if dc.SFTP != nil {
		cfg.SFTP = &destination.SFTPConfig{
			Host: dc.SFTP.Host, Port: dc.SFTP.Port, User: dc.SFTP.User, Root: dc.SFTP.Root,
		}
	}
	if dc.SMB != nil {
		cfg.SMB = &destination.SMBConfig{Host: dc.SMB.Host, Share: dc.SMB.Share, User: dc.SMB.User, Root: dc.SMB.Root}
	}
	if dc.WebDAV != nil {
		cfg.WebDAV = &destination.WebDAVConfig{URL: dc.WebDAV.URL, User: dc.WebDAV.User}
	}
	if dc.Shelled != nil {
		cfg.Shelled = &destination.ShelledConfig{Command: dc.Shelled.Command, Args: dc.Shelled.Args}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func passphraseFromEnv() (string, error) {
	p := os.Getenv(PassphraseEnvVar)
	if p == "" {
		return "", fmt.Errorf("%s is not set", PassphraseEnvVar)
	}
	return p, nil
}

// Close finalizes the pending operation, if persisted, and releases the
// catalog and log file.
func (a *App) Close() error {
	var firstErr error
	if a.op.Persisted() {
		ctx := context.Background()
		if err := a.store.FinishOperation(ctx, a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing catalog: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// fail marks the pending operation errored and returns err unchanged,
// so command methods can write `return a.fail(err)` on every error path.
func (a *App) fail(err error) error {
	if err != nil {
		a.op.Status = metastore.OperationError
	}
	return err
}
