package metastore

import (
	"database/sql"
	"time"
)

// Source is a directory tree the engine scans for backup.
type Source struct {
	ID              string
	Name            string
	RootPath        string
	Enabled         bool
	ExcludePatterns string // newline-separated, per internal/scanner.Matcher
	CreatedAt       time.Time
}

// Destination is a configured backup target, its Config holding the
// marshaled destination.Config tagged union.
type Destination struct {
	ID            string
	Name          string
	Type          string
	Config        string // TOML-encoded destination.Config
	Enabled       bool
	LastConnected sql.NullTime
	CreatedAt     time.Time
}

// Schedule drives the scheduler's next_run computation.
type Schedule struct {
	ID            string
	Name          string
	Enabled       bool
	Frequency     string
	TimeOfDay     sql.NullString
	Weekdays      sql.NullString
	DayOfMonth    sql.NullInt64
	SourceIDs     string // comma-separated source IDs
	DestinationID string
	LastRun       sql.NullTime
	NextRun       sql.NullTime
	CreatedAt     time.Time
}

// BackupStatus is the lifecycle state of a Backup row.
type BackupStatus string

const (
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
	BackupPartial   BackupStatus = "partial"
)

// BackupKind distinguishes a full backup from an incremental chained
// off a prior full or incremental backup via BaseBackupID.
type BackupKind string

const (
	BackupFull        BackupKind = "full"
	BackupIncremental BackupKind = "incremental"
)

// Backup is one backup run.
type Backup struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	Type           BackupKind
	BaseBackupID   sql.NullString
	DestinationID  string
	Status         BackupStatus
	FilesTotal     int64
	FilesProcessed int64
	SizeOriginal   int64
	SizeCompressed int64
	Salt           []byte
	Verifier       string
	Compression    string // "none", "fast", "balanced", "best" — see internal/archive.CompressionLevel
	ErrorMessage   sql.NullString
}

// ArchiveStatus tracks whether a segment is still receiving bytes.
type ArchiveStatus string

const (
	ArchiveWriting ArchiveStatus = "writing"
	ArchiveSealed  ArchiveStatus = "sealed"
)

// Archive is one encrypted, compressed segment of a backup.
type Archive struct {
	ID       string
	BackupID string
	// SegmentIndex is the archive's 1-based ordinal within its backup;
	// ordinals are contiguous from 1.
	SegmentIndex   int
	RemotePath     string
	SizeCompressed int64
	SizeEncrypted  int64
	Status         ArchiveStatus
	SealedAt       sql.NullTime
}

// FileFlag distinguishes a file present in the archive from a tombstone
// recording that a later incremental saw it deleted from the source.
type FileFlag string

const (
	FilePresent FileFlag = "present"
	FileDeleted FileFlag = "deleted"
)

// BackupFile is one row per file captured (or tombstoned) in a backup.
// SegmentOffset/SegmentLength locate the file's content within its
// archive's plaintext container stream (before compression); they are
// zero for deleted tombstones, which carry no content.
type BackupFile struct {
	ID                string
	BackupID          string
	ArchiveID         string
	SourceRoot        string
	RelativePath      string
	FileSize          int64
	SegmentOffset     int64
	SegmentLength     int64
	ModifiedTimestamp time.Time
	Flag              FileFlag
}

// LogLevel mirrors the slog levels the catalog ring buffer records.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one row in the catalog's log ring buffer.
type LogEntry struct {
	ID        int64
	Timestamp time.Time
	Level     LogLevel
	Message   string
	BackupID  sql.NullString
	Details   sql.NullString
}

// OperationStatus is the lifecycle state of an Operation row.
type OperationStatus string

const (
	OperationRunning OperationStatus = "running"
	OperationSuccess OperationStatus = "success"
	OperationError   OperationStatus = "error"
)

// Operation is one row per invocation of a mutating command (backup,
// restore, install-schedule, ...). A row still Running after process
// restart means the prior invocation crashed mid-command.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     OperationStatus
	StartedAt  time.Time
	FinishedAt sql.NullTime
}
