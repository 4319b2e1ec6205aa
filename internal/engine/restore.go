package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"scrat-backup/internal/archive"
	"scrat-backup/internal/crypto"
	"scrat-backup/internal/destination"
	"scrat-backup/internal/eventbus"
	"scrat-backup/internal/metastore"
	"scrat-backup/internal/scratbackup"
)

// RestorePoint is one entry of list_restorable_points: a completed
// backup a restore can be anchored to.
type RestorePoint struct {
	BackupID  string
	Timestamp time.Time
	Kind      BackupKind
}

// ListRestorablePoints returns every completed backup on destinationID,
// newest first.
func (e *Engine) ListRestorablePoints(ctx context.Context, destinationID string) ([]RestorePoint, error) {
	backups, err := e.store.ListCompletedBackups(ctx, destinationID)
	if err != nil {
		return nil, scratbackup.Internal("engine.list_restorable_points", err)
	}
	points := make([]RestorePoint, 0, len(backups))
	for _, b := range backups {
		points = append(points, RestorePoint{BackupID: b.ID, Timestamp: backupTimestamp(b), Kind: BackupKind(b.Type)})
	}
	return points, nil
}

func backupTimestamp(b metastore.Backup) time.Time {
	if b.FinishedAt.Valid {
		return b.FinishedAt.Time
	}
	return b.StartedAt
}

// FileState is the resolved, last-writer-wins state of one file as of
// a point in time.
type FileState struct {
	SourceRoot   string
	RelativePath string
	Size         int64
	ModifiedAt   time.Time
	Flag         metastore.FileFlag
	BackupID     string
	ArchiveID    string
}

type fileKey struct {
	sourceRoot   string
	relativePath string
}

// ResolveFileState walks from the newest completed full backup with a
// timestamp at or before at, forward through its incremental
// descendants at or before at, applying present/deleted flags with
// last-writer-wins on (source_root, relative_path). It also returns
// the backup the resolution ultimately lands on, used for the
// passphrase check that must happen before any archive is touched.
func (e *Engine) ResolveFileState(ctx context.Context, destinationID string, at time.Time) (map[fileKey]FileState, metastore.Backup, error) {
	completed, err := e.store.ListCompletedBackups(ctx, destinationID)
	if err != nil {
		return nil, metastore.Backup{}, scratbackup.Internal("engine.resolve_file_state", err)
	}

	chronological := append([]metastore.Backup(nil), completed...)
	sort.Slice(chronological, func(i, j int) bool {
		ti, tj := backupTimestamp(chronological[i]), backupTimestamp(chronological[j])
		if ti.Equal(tj) {
			return chronological[i].ID < chronological[j].ID
		}
		return ti.Before(tj)
	})

	var root *metastore.Backup
	for i := len(chronological) - 1; i >= 0; i-- {
		b := chronological[i]
		if b.Type == metastore.BackupFull && !backupTimestamp(b).After(at) {
			root = &chronological[i]
			break
		}
	}
	if root == nil {
		return nil, metastore.Backup{}, scratbackup.Validation("engine.resolve_file_state",
			fmt.Errorf("no completed full backup at or before %s", at))
	}

	state := make(map[fileKey]FileState)
	apply := func(b metastore.Backup) error {
		files, err := e.store.ListBackupFilesForBackup(ctx, b.ID)
		if err != nil {
			return scratbackup.Internal("engine.resolve_file_state", err)
		}
		for _, f := range files {
			key := fileKey{f.SourceRoot, f.RelativePath}
			if f.Flag == metastore.FileDeleted {
				delete(state, key)
				continue
			}
			state[key] = FileState{
				SourceRoot: f.SourceRoot, RelativePath: f.RelativePath, Size: f.FileSize,
				ModifiedAt: f.ModifiedTimestamp, Flag: f.Flag, BackupID: b.ID, ArchiveID: f.ArchiveID,
			}
		}
		return nil
	}

	if err := apply(*root); err != nil {
		return nil, metastore.Backup{}, err
	}
	pointBackup := *root

	for _, b := range chronological {
		if b.ID == root.ID || b.Type != metastore.BackupIncremental {
			continue
		}
		ts := backupTimestamp(b)
		if ts.After(at) {
			continue
		}
		chain, err := e.store.GetBackupChain(ctx, b.ID)
		if err != nil {
			return nil, metastore.Backup{}, scratbackup.Internal("engine.resolve_file_state", err)
		}
		if len(chain) == 0 || chain[0].ID != root.ID {
			continue // belongs to a different chain, not an ancestor of the root we picked
		}
		if err := apply(b); err != nil {
			return nil, metastore.Backup{}, err
		}
		if ts.After(backupTimestamp(pointBackup)) {
			pointBackup = b
		}
	}

	return state, pointBackup, nil
}

// SelectionFilter narrows a restore to files under a given source and
// path prefix. An empty Selection in RestoreRequest restores everything.
type SelectionFilter struct {
	SourceRoot string // empty matches any source
	PathPrefix string // empty matches any path within the source
}

func (f SelectionFilter) matches(fs FileState) bool {
	if f.SourceRoot != "" && f.SourceRoot != fs.SourceRoot {
		return false
	}
	return strings.HasPrefix(fs.RelativePath, f.PathPrefix)
}

// RestoreRequest describes one run of the Restore Engine.
type RestoreRequest struct {
	Destination metastore.Destination
	At          time.Time
	Passphrase  string
	Selection   []SelectionFilter
	TargetDir   string
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	FilesRestored int
	FilesFailed   int
	BytesWritten  int64
}

func selected(filters []SelectionFilter, fs FileState) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.matches(fs) {
			return true
		}
	}
	return false
}

// Restore resolves file state as of req.At, checks the passphrase
// against the resolved point's stored verifier before touching any
// archive, then fetches each required segment exactly once, scanning
// it sequentially for every file the restore needs from it.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	state, pointBackup, err := e.ResolveFileState(ctx, req.Destination.ID, req.At)
	if err != nil {
		return RestoreResult{}, err
	}

	ok, err := crypto.CheckPassphrase(req.Passphrase, pointBackup.Salt, pointBackup.Verifier)
	if err != nil {
		return RestoreResult{}, scratbackup.Internal("engine.restore", err)
	}
	if !ok {
		return RestoreResult{}, scratbackup.Passphrase("engine.restore", fmt.Errorf("passphrase does not match backup %s", pointBackup.ID))
	}

	var wanted []FileState
	for _, fs := range state {
		if fs.Flag == metastore.FileDeleted {
			continue
		}
		if selected(req.Selection, fs) {
			wanted = append(wanted, fs)
		}
	}
	if len(wanted) == 0 {
		return RestoreResult{}, nil
	}

	byArchive := make(map[string][]FileState)
	for _, fs := range wanted {
		byArchive[fs.ArchiveID] = append(byArchive[fs.ArchiveID], fs)
	}
	archiveIDs := make([]string, 0, len(byArchive))
	for id := range byArchive {
		archiveIDs = append(archiveIDs, id)
	}
	sort.Strings(archiveIDs)

	dst, err := e.openDestination(req.Destination)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := dst.Connect(ctx); err != nil {
		return RestoreResult{}, err
	}
	defer dst.Disconnect()

	runID := e.ids.New()
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindRestoreStarted, Payload: eventbus.BackupProgress{RunID: runID, FilesTotal: len(wanted)}})

	var result RestoreResult
	for _, archiveID := range archiveIDs {
		if err := ctx.Err(); err != nil {
			return result, scratbackup.Cancelled("engine.restore", err)
		}
		files := byArchive[archiveID]
		n, bytesWritten, err := e.restoreFromArchive(ctx, dst, archiveID, files, req.TargetDir, req.Passphrase)
		result.FilesRestored += n
		result.BytesWritten += bytesWritten
		if err != nil {
			result.FilesFailed += len(files) - n
			e.logger.Warn("restore: segment integrity failure, skipping its files", "archive_id", archiveID, "error", err)
			continue
		}
	}

	if result.FilesFailed > 0 {
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindRestoreFailed, Payload: eventbus.BackupFailed{
			RunID: runID, Kind: "integrity_error", Message: fmt.Sprintf("%d files failed to restore", result.FilesFailed),
		}})
		return result, scratbackup.Integrity("engine.restore", fmt.Errorf("%d of %d files failed", result.FilesFailed, len(wanted)))
	}

	e.bus.Publish(eventbus.Event{Kind: eventbus.KindRestoreCompleted, Payload: eventbus.BackupCompleted{
		RunID: runID, FilesTotal: result.FilesRestored, SizeOriginal: result.BytesWritten,
	}})
	return result, nil
}

// restoreFromArchive fetches one archive segment exactly once,
// decrypts and decompresses it in a streaming pipeline, and scans its
// frames in order, writing out every frame present in want. An AEAD
// failure on this segment aborts only the files sourced from it.
func (e *Engine) restoreFromArchive(ctx context.Context, dst destination.Interface, archiveID string, want []FileState, targetDir, passphrase string) (int, int64, error) {
	arc, err := e.store.GetArchive(ctx, archiveID)
	if err != nil {
		return 0, 0, scratbackup.Internal("engine.restore.get_archive", err)
	}
	backup, err := e.store.GetBackup(ctx, want[0].BackupID)
	if err != nil {
		return 0, 0, scratbackup.Internal("engine.restore.get_backup", err)
	}
	level, err := archive.ParseCompressionLevel(backup.Compression)
	if err != nil {
		return 0, 0, scratbackup.Internal("engine.restore.parse_compression", err)
	}

	wantByPath := make(map[string]FileState, len(want))
	for _, fs := range want {
		wantByPath[archiveFramePath(fs.SourceRoot, fs.RelativePath)] = fs
	}

	cipherR, cipherW := io.Pipe()
	plainR, plainW := io.Pipe()

	getErrCh := make(chan error, 1)
	go func() {
		err := dst.GetStream(ctx, arc.RemotePath, cipherW, nil)
		cipherW.CloseWithError(err)
		getErrCh <- err
	}()

	decryptErrCh := make(chan error, 1)
	go func() {
		err := crypto.DecryptSegment(plainW, cipherR, passphrase, backup.Salt)
		plainW.CloseWithError(err)
		decryptErrCh <- err
	}()

	reader, err := archive.NewReader(plainR, level != archive.CompressionNone)
	if err != nil {
		return 0, 0, scratbackup.Integrity("engine.restore.open_segment", err)
	}
	defer reader.Close()

	// Next must be called through to its io.EOF marker even once every
	// wanted file has been written: the decrypt goroutine's last Write
	// (the whole final chunk, including the end-of-stream frame) blocks
	// on an unbuffered pipe until the plaintext is fully read, so
	// stopping early here would hang the <-decryptErrCh wait below.
	var restored int
	var bytesWritten int64
	for {
		header, content, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, bytesWritten, scratbackup.Integrity("engine.restore.read_frame", err)
		}
		fs, ok := wantByPath[header.Path]
		if !ok {
			io.Copy(io.Discard, content)
			continue
		}
		n, err := writeRestoredFile(targetDir, fs, header.Mode, content)
		if err != nil {
			return restored, bytesWritten, scratbackup.TransientIO("engine.restore.write_file", err)
		}
		bytesWritten += n
		restored++
	}

	if err := <-decryptErrCh; err != nil {
		return restored, bytesWritten, scratbackup.Integrity("engine.restore.decrypt", err)
	}
	if err := <-getErrCh; err != nil {
		return restored, bytesWritten, scratbackup.Destination("engine.restore.fetch", err)
	}
	return restored, bytesWritten, nil
}

func writeRestoredFile(targetDir string, fs FileState, mode uint32, content io.Reader) (int64, error) {
	dest := filepath.Join(targetDir, fs.SourceRoot, filepath.FromSlash(fs.RelativePath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, content)
	if err != nil {
		return n, err
	}
	if err := f.Chmod(os.FileMode(mode)); err != nil {
		return n, err
	}
	return n, os.Chtimes(dest, fs.ModifiedAt, fs.ModifiedAt)
}
