package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"scrat-backup/internal/archive"
	"scrat-backup/internal/crypto"
	"scrat-backup/internal/destination"
	"scrat-backup/internal/eventbus"
	"scrat-backup/internal/metastore"
	"scrat-backup/internal/scanner"
	"scrat-backup/internal/scratbackup"
)

// BackupKind selects whether a run is forced full, forced incremental,
// or left to the engine to resolve against the destination's history.
type BackupKind string

const (
	KindFull        BackupKind = "full"
	KindIncremental BackupKind = "incremental"
	KindAuto        BackupKind = "auto"
)

// Policy bounds how many backup chains a destination retains and how
// the engine sizes its archive segments and encryption chunks. A zero
// SplitSize or ChunkSize falls back to DefaultSplitSize and
// crypto.DefaultChunkSize respectively, so callers that only care about
// retention can leave them unset.
type Policy struct {
	MaxVersions int
	SplitSize   int64
	ChunkSize   uint32
}

// DefaultSplitSize is the compressed, pre-encryption size at which an
// archive segment is sealed and a new one opened, used whenever a
// Policy leaves SplitSize unset.
const DefaultSplitSize = 128 << 20 // 128 MiB

func effectiveSplitSize(p Policy) int64 {
	if p.SplitSize > 0 {
		return p.SplitSize
	}
	return DefaultSplitSize
}

func effectiveChunkSize(p Policy) uint32 {
	if p.ChunkSize > 0 {
		return p.ChunkSize
	}
	return crypto.DefaultChunkSize
}

// BackupRequest describes one run of the Backup Engine.
type BackupRequest struct {
	Sources     []metastore.Source
	Destination metastore.Destination
	Kind        BackupKind
	Passphrase  string
	Policy      Policy
	Compression archive.CompressionLevel
}

// Backup runs the engine's core algorithm: resolve kind, scan sources,
// diff against the base if incremental, stream the change set through
// archiver → cryptor → destination, write the encrypted manifest, then
// rotate.
func (e *Engine) Backup(ctx context.Context, req BackupRequest) (metastore.Backup, error) {
	dst, err := e.openDestination(req.Destination)
	if err != nil {
		return metastore.Backup{}, err
	}
	if err := dst.Connect(ctx); err != nil {
		return metastore.Backup{}, err
	}
	defer dst.Disconnect()

	kind, base, err := e.resolveKind(ctx, req.Destination.ID, req.Kind)
	if err != nil {
		return metastore.Backup{}, err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return metastore.Backup{}, scratbackup.Internal("engine.backup", err)
	}
	key := crypto.DeriveKey(req.Passphrase, salt)
	verifier, err := crypto.Verifier(key)
	if err != nil {
		return metastore.Backup{}, scratbackup.Internal("engine.backup", err)
	}

	backupID := e.ids.New()
	var baseID string
	if base != nil {
		baseID = base.ID
	}
	b, err := e.store.CreateBackup(ctx, metastore.Backup{
		ID:            backupID,
		StartedAt:     e.clock.Now(),
		Type:          metastore.BackupKind(kind),
		BaseBackupID:  nullStringIf(baseID),
		DestinationID: req.Destination.ID,
		Status:        metastore.BackupRunning,
		Salt:          salt,
		Verifier:      verifier,
		Compression:   compressionName(req.Compression),
	})
	if err != nil {
		return metastore.Backup{}, scratbackup.Internal("engine.backup", err)
	}

	e.bus.Publish(eventbus.Event{Kind: eventbus.KindBackupStarted, Payload: eventbus.BackupProgress{RunID: backupID}})

	changeSet, deleted, err := e.planChangeSet(ctx, req.Sources, base)
	if err != nil {
		e.failBackup(ctx, b.ID, err)
		return metastore.Backup{}, err
	}

	run := &backupRun{
		engine:    e,
		ctx:       ctx,
		backup:    b,
		dst:       dst,
		key:       key,
		salt:      salt,
		compress:  req.Compression,
		splitSize: effectiveSplitSize(req.Policy),
		chunkSize: effectiveChunkSize(req.Policy),
	}

	if err := run.stream(changeSet, deleted); err != nil {
		e.failBackup(ctx, b.ID, err)
		return metastore.Backup{}, err
	}

	if err := e.finalizeManifest(ctx, dst, key, salt, verifier, kind, baseID, req.Sources, changeSet, run); err != nil {
		e.failBackup(ctx, b.ID, err)
		return metastore.Backup{}, err
	}
	if err := e.ensureRecoveryInfo(ctx, dst); err != nil {
		e.logger.Warn("writing recovery_info.txt failed", "destination", req.Destination.ID, "error", err)
	}

	finishedAt := e.clock.Now()
	if err := e.store.FinishBackup(ctx, b.ID, metastore.BackupCompleted, finishedAt, ""); err != nil {
		return metastore.Backup{}, scratbackup.Internal("engine.backup", err)
	}
	b.Status = metastore.BackupCompleted
	b.FinishedAt.Time, b.FinishedAt.Valid = finishedAt, true

	e.bus.Publish(eventbus.Event{Kind: eventbus.KindBackupCompleted, Payload: eventbus.BackupCompleted{
		RunID:        backupID,
		FilesTotal:   len(changeSet),
		SizeOriginal: run.sizeOriginal,
		SizeStored:   run.sizeStored,
	}})

	if err := e.rotate(ctx, req.Destination, req.Policy, dst); err != nil {
		e.logger.Warn("rotation failed", "destination", req.Destination.ID, "error", err)
	}

	return b, nil
}

// finalizeManifest assembles and writes the per-backup manifest once
// every segment has sealed successfully.
func (e *Engine) finalizeManifest(ctx context.Context, dst destination.Interface, key, salt []byte, verifier string, kind BackupKind, baseID string, sources []metastore.Source, changeSet []plannedFile, run *backupRun) error {
	sourcesManifest := make([]manifestSource, 0, len(sources))
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		sourcesManifest = append(sourcesManifest, manifestSource{Name: src.Name, RootPath: src.RootPath})
	}

	m := manifest{
		BackupID:      run.backup.ID,
		Kind:          string(kind),
		Timestamp:     e.clock.Now(),
		BaseBackupID:  baseID,
		FormatVersion: manifestFormatVersion,
		Sources:       sourcesManifest,
		Archives:      run.archives,
		Stats: manifestStats{
			FilesTotal:      len(changeSet),
			SizeOriginal:    run.sizeOriginal,
			SizeStored:      run.sizeStored,
			DurationSeconds: e.clock.Now().Sub(run.backup.StartedAt).Seconds(),
		},
		Verifier: verifier,
	}

	ivSeed, err := crypto.NewIVSeed()
	if err != nil {
		return scratbackup.Internal("engine.backup.manifest", err)
	}
	return e.writeManifest(ctx, dst, key, salt, ivSeed, m)
}

func compressionName(c archive.CompressionLevel) string {
	switch c {
	case archive.CompressionFast:
		return "fast"
	case archive.CompressionBalanced:
		return "balanced"
	case archive.CompressionBest:
		return "best"
	default:
		return "none"
	}
}

func nullStringIf(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// resolveKind implements the kind-resolution step: auto becomes full
// when the destination has no completed backup, else incremental
// against the newest one. Requesting incremental with no base is a
// ValidationError raised before any row is created.
func (e *Engine) resolveKind(ctx context.Context, destinationID string, requested BackupKind) (BackupKind, *metastore.Backup, error) {
	latest, err := e.store.LatestBackup(ctx, destinationID)
	hasBase := err == nil
	if err != nil && err != metastore.ErrNotFound {
		return "", nil, scratbackup.Internal("engine.resolve_kind", err)
	}

	switch requested {
	case KindFull:
		return KindFull, nil, nil
	case KindIncremental:
		if !hasBase {
			return "", nil, scratbackup.Validation("engine.resolve_kind",
				fmt.Errorf("incremental backup requested but destination has no completed backup"))
		}
		return KindIncremental, &latest, nil
	case KindAuto, "":
		if !hasBase {
			return KindFull, nil, nil
		}
		return KindIncremental, &latest, nil
	default:
		return "", nil, scratbackup.Validation("engine.resolve_kind", fmt.Errorf("unknown backup kind %q", requested))
	}
}

type plannedFile struct {
	scanner.FileRecord
	absPath string
}

type plannedDeletion struct {
	SourceRoot   string
	RelativePath string
}

// archiveFramePath is the path recorded in an archive frame header.
// It prefixes the source name so two sources sharing a relative path
// never collide when a restore scans a segment that interleaves files
// from multiple sources.
func archiveFramePath(sourceRoot, relativePath string) string {
	return sourceRoot + "/" + relativePath
}

// planChangeSet scans every source and, for incremental runs, diffs
// against the base backup's BackupFile rows rather than re-reading
// file content.
func (e *Engine) planChangeSet(ctx context.Context, sources []metastore.Source, base *metastore.Backup) ([]plannedFile, []plannedDeletion, error) {
	var changed []plannedFile
	var deleted []plannedDeletion

	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		excludes := scanner.NewMatcher(append(scanner.BuiltinExcludes(runtime.GOOS), splitExcludes(src.ExcludePatterns)...))
		records, err := scanner.Scan(src.Name, src.RootPath, excludes)
		if err != nil {
			return nil, nil, scratbackup.Source("engine.scan", err)
		}

		if base == nil {
			for _, rec := range records {
				changed = append(changed, plannedFile{FileRecord: rec, absPath: filepath.Join(src.RootPath, rec.RelativePath)})
			}
			continue
		}

		baseState, err := e.loadBaseState(ctx, base.ID, src.Name)
		if err != nil {
			return nil, nil, err
		}
		diff := scanner.Diff(records, baseState)
		for _, rec := range diff.Changed {
			changed = append(changed, plannedFile{FileRecord: rec, absPath: filepath.Join(src.RootPath, rec.RelativePath)})
		}
		for _, relPath := range diff.Deleted {
			deleted = append(deleted, plannedDeletion{SourceRoot: src.Name, RelativePath: relPath})
		}
	}
	return changed, deleted, nil
}

func splitExcludes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// loadBaseState reconstructs the present-file state for one source as
// of the base backup by walking its full backup chain chronologically
// and applying present/deleted records with last-writer-wins.
func (e *Engine) loadBaseState(ctx context.Context, baseBackupID, sourceRoot string) (map[string]scanner.BaseState, error) {
	chain, err := e.store.GetBackupChain(ctx, baseBackupID)
	if err != nil {
		return nil, scratbackup.Internal("engine.load_base_state", err)
	}
	state := make(map[string]scanner.BaseState)
	for _, b := range chain {
		files, err := e.store.ListBackupFilesForBackup(ctx, b.ID)
		if err != nil {
			return nil, scratbackup.Internal("engine.load_base_state", err)
		}
		for _, f := range files {
			if f.SourceRoot != sourceRoot {
				continue
			}
			if f.Flag == metastore.FileDeleted {
				delete(state, f.RelativePath)
				continue
			}
			state[f.RelativePath] = scanner.BaseState{Size: f.FileSize, Mtime: f.ModifiedTimestamp}
		}
	}
	return state, nil
}

func (e *Engine) failBackup(ctx context.Context, backupID string, cause error) {
	status := metastore.BackupFailed
	if err := e.store.FinishBackup(ctx, backupID, status, e.clock.Now(), cause.Error()); err != nil {
		e.logger.Error("failed to record backup failure", "backup_id", backupID, "error", err)
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindBackupFailed, Payload: eventbus.BackupFailed{
		RunID: backupID, Kind: scratbackup.KindOf(cause).String(), Message: cause.Error(),
	}})
}

// countingWriter tracks bytes written to w without buffering them,
// giving the split-size check a running total of compressed,
// pre-encryption bytes for the currently open segment.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// segmentUploadResult is what the upload goroutine reports back once
// PutStream returns.
type segmentUploadResult struct {
	stored int64
	err    error
}

// backupRun carries the mutable state of one streaming pass: the
// currently open segment's live pipeline and running totals, so
// Backup itself stays a straight-line read of the algorithm's steps.
//
// A segment's content never touches a buffer sized to the segment or
// to any one file: archiver.Put writes straight into a pipe read by
// the encryptor, which writes straight into a second pipe read by the
// destination upload. Backpressure from the destination's PutStream
// propagates all the way back to the os.Open'd source file being
// copied.
type backupRun struct {
	engine    *Engine
	ctx       context.Context
	backup    metastore.Backup
	dst       destination.Interface
	key       []byte
	salt      []byte
	compress  archive.CompressionLevel
	splitSize int64
	chunkSize uint32

	sizeOriginal int64
	sizeStored   int64

	ordinal           int
	segmentArc        metastore.Archive
	segmentWriter     *archive.Writer
	segmentIVSeed     [12]byte
	segmentFilesCount int
	countWriter       *countingWriter
	plainW            *io.PipeWriter
	encryptErrCh      chan error
	uploadCh          chan segmentUploadResult

	archives []manifestArchive
}

func (r *backupRun) stream(changed []plannedFile, deleted []plannedDeletion) error {
	filesTotal := len(changed)
	filesProcessed := 0
	lastEvent := time.Now()

	if err := r.openSegment(); err != nil {
		return err
	}

	for _, pf := range changed {
		if err := r.ctx.Err(); err != nil {
			return r.cancel(err)
		}

		f, err := os.Open(pf.absPath)
		if err != nil {
			return scratbackup.Source("engine.backup.open_file", err)
		}
		offset, n, putErr := r.segmentWriter.Put(archive.FileHeader{
			Path:        archiveFramePath(pf.SourceRoot, pf.RelativePath),
			Size:        pf.Size,
			MtimeUnixNs: pf.Mtime.UnixNano(),
			Mode:        uint32(pf.Mode),
		}, f)
		f.Close()
		if putErr != nil {
			return scratbackup.Source("engine.backup.put_file", putErr)
		}

		fileRow := metastore.BackupFile{
			ID:                r.engine.ids.New(),
			BackupID:          r.backup.ID,
			ArchiveID:         r.segmentArc.ID,
			SourceRoot:        pf.SourceRoot,
			RelativePath:      pf.RelativePath,
			FileSize:          n,
			SegmentOffset:     offset,
			SegmentLength:     n,
			ModifiedTimestamp: pf.Mtime,
			Flag:              metastore.FilePresent,
		}
		if _, err := r.engine.store.InsertBackupFile(r.ctx, fileRow); err != nil {
			return scratbackup.Internal("engine.backup.record_file", err)
		}
		r.segmentFilesCount++

		r.sizeOriginal += n
		filesProcessed++

		if time.Since(lastEvent) > 100*time.Millisecond {
			r.engine.bus.Publish(eventbus.Event{Kind: eventbus.KindBackupProgress, Payload: eventbus.BackupProgress{
				RunID: r.backup.ID, BytesDone: r.sizeOriginal, FilesDone: filesProcessed, FilesTotal: filesTotal,
				CurrentPath: pf.RelativePath,
			}})
			lastEvent = time.Now()
		}

		if err := r.engine.store.UpdateBackupProgress(r.ctx, r.backup.ID, int64(filesTotal), int64(filesProcessed), r.sizeOriginal, r.sizeStored); err != nil {
			return scratbackup.Internal("engine.backup.update_progress", err)
		}

		if r.countWriter.n >= r.splitSize {
			if err := r.sealSegment(); err != nil {
				return err
			}
			if err := r.openSegment(); err != nil {
				return err
			}
		}
	}

	for _, del := range deleted {
		row := metastore.BackupFile{
			ID: r.engine.ids.New(), BackupID: r.backup.ID, ArchiveID: r.segmentArc.ID,
			SourceRoot: del.SourceRoot, RelativePath: del.RelativePath, FileSize: 0,
			ModifiedTimestamp: r.engine.clock.Now(), Flag: metastore.FileDeleted,
		}
		if _, err := r.engine.store.InsertBackupFile(r.ctx, row); err != nil {
			return scratbackup.Internal("engine.backup.record_deletion", err)
		}
	}

	return r.sealSegment()
}

// openSegment opens the next 1-based archive segment and starts its
// encrypt and upload goroutines, wiring archiver → cryptor →
// destination as a chain of pipes rather than an in-memory buffer.
func (r *backupRun) openSegment() error {
	r.ordinal++

	plainR, plainW := io.Pipe()
	cipherR, cipherW := io.Pipe()
	r.plainW = plainW

	ivSeed, err := crypto.NewIVSeed()
	if err != nil {
		return scratbackup.Internal("engine.backup.open_segment", err)
	}
	r.segmentIVSeed = ivSeed
	r.segmentFilesCount = 0

	r.countWriter = &countingWriter{w: plainW}
	w, err := archive.NewWriter(r.countWriter, r.compress)
	if err != nil {
		return scratbackup.Internal("engine.backup.open_segment", err)
	}
	r.segmentWriter = w

	remotePath := archiveRemotePath(r.backup.ID, r.ordinal)
	arc, err := r.engine.store.CreateArchive(r.ctx, metastore.Archive{
		ID: r.engine.ids.New(), BackupID: r.backup.ID, SegmentIndex: r.ordinal,
		RemotePath: remotePath, Status: metastore.ArchiveWriting,
	})
	if err != nil {
		return scratbackup.Internal("engine.backup.open_segment", err)
	}
	r.segmentArc = arc

	r.encryptErrCh = make(chan error, 1)
	go func() {
		_, encErr := crypto.EncryptSegment(cipherW, plainR, r.key, r.salt, ivSeed, r.chunkSize)
		plainR.CloseWithError(encErr)
		cipherW.CloseWithError(encErr)
		r.encryptErrCh <- encErr
	}()

	r.uploadCh = make(chan segmentUploadResult, 1)
	go func() {
		stored, upErr := r.dst.PutStream(r.ctx, remotePath, cipherR, nil)
		cipherR.CloseWithError(upErr)
		r.uploadCh <- segmentUploadResult{stored: stored, err: upErr}
	}()

	return nil
}

// sealSegment flushes the archiver's end-of-stream marker, closes the
// plaintext pipe so the encrypt goroutine sees EOF, and waits for both
// the encrypt and upload goroutines to finish before recording the
// sealed archive.
func (r *backupRun) sealSegment() error {
	if err := r.segmentWriter.Close(); err != nil {
		r.abortSegment(err)
		return scratbackup.Internal("engine.backup.seal_segment", err)
	}
	compressedLen := r.countWriter.n
	r.plainW.Close()

	encErr := <-r.encryptErrCh
	upload := <-r.uploadCh
	r.plainW = nil
	if encErr != nil {
		return scratbackup.Internal("engine.backup.encrypt_segment", encErr)
	}
	if upload.err != nil {
		return scratbackup.Destination("engine.backup.upload_segment", upload.err)
	}

	r.sizeStored += upload.stored
	if err := r.engine.store.SealArchive(r.ctx, r.segmentArc.ID, compressedLen, upload.stored, r.engine.clock.Now()); err != nil {
		return scratbackup.Internal("engine.backup.seal_segment", err)
	}
	r.archives = append(r.archives, manifestArchive{
		Ordinal:    r.ordinal,
		Name:       archiveBaseName(r.ordinal),
		StoredSize: upload.stored,
		IVSeed:     hex.EncodeToString(r.segmentIVSeed[:]),
		FilesCount: r.segmentFilesCount,
	})
	return nil
}

// abortSegment tears down an open segment's pipeline without sealing
// it: it closes the plaintext pipe with cause so the encrypt goroutine
// unwinds, then drains both goroutines' result channels so neither
// leaks.
func (r *backupRun) abortSegment(cause error) {
	if r.plainW == nil {
		return
	}
	r.plainW.CloseWithError(cause)
	<-r.encryptErrCh
	<-r.uploadCh
	r.plainW = nil
}

// cancel tears down the in-flight segment, deletes its partial object
// from the destination, and marks the backup failed with a
// cancellation reason. A backup may only be cancelled between files,
// never mid-file.
func (r *backupRun) cancel(cause error) error {
	r.abortSegment(cause)
	_ = r.dst.Delete(r.ctx, r.segmentArc.RemotePath)
	return scratbackup.Cancelled("engine.backup", cause)
}
