package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"scrat-backup/internal/crypto"
	"scrat-backup/internal/destination"
	"scrat-backup/internal/scratbackup"
)

// backupsRoot is the top-level directory every destination's content
// lives under, keeping scrat-backup's objects separate from anything
// else stored at the same root.
const backupsRoot = "scrat-backup"

// manifestFormatVersion identifies the manifest's JSON schema so a
// future reader can tell which fields to expect.
const manifestFormatVersion = 1

// backupDir is the on-destination directory holding one backup's
// manifest and archive segments.
func backupDir(backupID string) string {
	return destination.JoinRemote(backupsRoot, "backups", backupID)
}

// archiveBaseName is the filename of the ordinal'th archive segment,
// ordinals being 1-based and contiguous within a backup.
func archiveBaseName(ordinal int) string {
	return fmt.Sprintf("data.%03d.scrat", ordinal)
}

func archiveRemotePath(backupID string, ordinal int) string {
	return destination.JoinRemote(backupDir(backupID), archiveBaseName(ordinal))
}

func manifestRemotePath(backupID string) string {
	return destination.JoinRemote(backupDir(backupID), "manifest.json.enc")
}

func recoveryInfoRemotePath() string {
	return destination.JoinRemote(backupsRoot, "recovery_info.txt")
}

// manifestSource is one source tree a backup drew files from.
type manifestSource struct {
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
}

// manifestArchive is one sealed segment's entry in the manifest: enough
// for a reader with only the passphrase to locate the segment, size a
// download, and know how many files it should find inside.
type manifestArchive struct {
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	StoredSize int64  `json:"stored_size"`
	IVSeed     string `json:"iv_seed"`
	FilesCount int    `json:"files_count"`
}

// manifestStats summarizes a backup's totals for a reader that wants
// them without walking every archive.
type manifestStats struct {
	FilesTotal      int     `json:"files_total"`
	SizeOriginal    int64   `json:"size_original"`
	SizeStored      int64   `json:"size_stored"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// manifest is the per-backup disaster-recovery record written
// alongside a backup's archive segments: everything a reader needs to
// know what this backup contains and where its pieces live, without
// consulting the catalog database.
type manifest struct {
	BackupID      string            `json:"backup_id"`
	Kind          string            `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	BaseBackupID  string            `json:"base_backup_id,omitempty"`
	FormatVersion int               `json:"format_version"`
	Sources       []manifestSource  `json:"sources"`
	Archives      []manifestArchive `json:"archives"`
	Stats         manifestStats     `json:"stats"`
	Verifier      string            `json:"verifier"`
}

// writeManifest encrypts m under the backup's key using the same
// chunked AEAD envelope as an archive segment, and stores it at
// manifestRemotePath. The manifest's JSON is orders of magnitude
// smaller than a file or archive segment, so marshaling it whole
// first is not the whole-archive buffering the streaming pipeline in
// backup.go exists to avoid.
func (e *Engine) writeManifest(ctx context.Context, dst destination.Interface, key, salt []byte, ivSeed [12]byte, m manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return scratbackup.Internal("engine.backup.write_manifest", err)
	}

	pr, pw := io.Pipe()
	encryptErrCh := make(chan error, 1)
	go func() {
		_, encErr := crypto.EncryptSegment(pw, bytes.NewReader(payload), key, salt, ivSeed, crypto.DefaultChunkSize)
		pw.CloseWithError(encErr)
		encryptErrCh <- encErr
	}()

	_, putErr := dst.PutStream(ctx, manifestRemotePath(m.BackupID), pr, nil)
	pr.CloseWithError(putErr)
	if encErr := <-encryptErrCh; encErr != nil {
		return scratbackup.Internal("engine.backup.write_manifest", encErr)
	}
	if putErr != nil {
		return scratbackup.Destination("engine.backup.write_manifest", putErr)
	}
	return nil
}

const recoveryInfoTemplate = `scrat-backup recovery information
generated %s

This destination's backups live under the %q directory at its root:

  %s/
    recovery_info.txt        this file
    backups/<backup_id>/
      manifest.json.enc      encrypted manifest: sources, archives, stats
      data.NNN.scrat         encrypted, compressed archive segments (NNN is 1-based)

To restore, you need the original backup passphrase and a scrat-backup
binary. Each backup's manifest records which archive segments it needs
and in what order; the catalog database is not required for recovery.
`

// ensureRecoveryInfo writes the destination-wide recovery_info.txt the
// first time a backup lands on this destination. It never overwrites
// an existing copy: the file documents the layout, not any one
// backup's contents, so later backups have nothing new to say in it.
func (e *Engine) ensureRecoveryInfo(ctx context.Context, dst destination.Interface) error {
	path := recoveryInfoRemotePath()
	stat, err := dst.StatPath(ctx, path)
	if err != nil {
		return scratbackup.Destination("engine.backup.recovery_info", err)
	}
	if stat.Exists {
		return nil
	}
	content := fmt.Sprintf(recoveryInfoTemplate, time.Now().UTC().Format(time.RFC3339), backupsRoot, backupsRoot)
	if _, err := dst.PutStream(ctx, path, strings.NewReader(content), nil); err != nil {
		return scratbackup.Destination("engine.backup.recovery_info", err)
	}
	return nil
}
