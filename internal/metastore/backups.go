package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateBackup(ctx context.Context, b Backup) (Backup, error) {
	if b.Compression == "" {
		b.Compression = "none"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups
		 (id, started_at, type, base_backup_id, destination_id, status, salt, verifier, compression)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.StartedAt, b.Type, b.BaseBackupID, b.DestinationID, b.Status, b.Salt, b.Verifier, b.Compression)
	if err != nil {
		return Backup{}, fmt.Errorf("creating backup: %w", err)
	}
	return b, nil
}

func (s *Store) GetBackup(ctx context.Context, id string) (Backup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, type, base_backup_id, destination_id, status,
		        files_total, files_processed, size_original, size_compressed, salt, verifier, compression, error_message
		 FROM backups WHERE id = ?`, id)
	return scanBackup(row)
}

func scanBackup(row *sql.Row) (Backup, error) {
	var b Backup
	err := row.Scan(&b.ID, &b.StartedAt, &b.FinishedAt, &b.Type, &b.BaseBackupID, &b.DestinationID, &b.Status,
		&b.FilesTotal, &b.FilesProcessed, &b.SizeOriginal, &b.SizeCompressed, &b.Salt, &b.Verifier, &b.Compression, &b.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Backup{}, ErrNotFound
		}
		return Backup{}, fmt.Errorf("getting backup: %w", err)
	}
	return b, nil
}

// ListCompletedBackups returns completed backups for a destination,
// ordered newest-first by finished_at, ties broken by backup_id
// descending so the most recent of any exact-timestamp tie sorts
// first, matching the point-in-time resolution tie-break.
func (s *Store) ListCompletedBackups(ctx context.Context, destinationID string) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, type, base_backup_id, destination_id, status,
		        files_total, files_processed, size_original, size_compressed, salt, verifier, compression, error_message
		 FROM backups
		 WHERE destination_id = ? AND status = ?
		 ORDER BY finished_at DESC, id DESC`,
		destinationID, BackupCompleted)
	if err != nil {
		return nil, fmt.Errorf("listing completed backups: %w", err)
	}
	defer rows.Close()
	return scanBackups(rows)
}

// ListBackupsForRotation returns all non-running backups for a
// destination, oldest-first, the order the engine deletes from when
// enforcing a retention count.
func (s *Store) ListBackupsForRotation(ctx context.Context, destinationID string) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, type, base_backup_id, destination_id, status,
		        files_total, files_processed, size_original, size_compressed, salt, verifier, compression, error_message
		 FROM backups
		 WHERE destination_id = ? AND status != ?
		 ORDER BY started_at ASC, id ASC`,
		destinationID, BackupRunning)
	if err != nil {
		return nil, fmt.Errorf("listing backups for rotation: %w", err)
	}
	defer rows.Close()
	return scanBackups(rows)
}

// LatestBackup returns the most recent completed or partial backup for
// a destination, used to resolve the base for an incremental run. It
// returns ErrNotFound when there is none yet.
func (s *Store) LatestBackup(ctx context.Context, destinationID string) (Backup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, type, base_backup_id, destination_id, status,
		        files_total, files_processed, size_original, size_compressed, salt, verifier, compression, error_message
		 FROM backups
		 WHERE destination_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC, id DESC
		 LIMIT 1`,
		destinationID, BackupCompleted, BackupPartial)
	return scanBackup(row)
}

func scanBackups(rows *sql.Rows) ([]Backup, error) {
	var result []Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.StartedAt, &b.FinishedAt, &b.Type, &b.BaseBackupID, &b.DestinationID, &b.Status,
			&b.FilesTotal, &b.FilesProcessed, &b.SizeOriginal, &b.SizeCompressed, &b.Salt, &b.Verifier, &b.Compression, &b.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) UpdateBackupProgress(ctx context.Context, id string, filesTotal, filesProcessed, sizeOriginal, sizeCompressed int64) error {
	return s.exec(ctx,
		`UPDATE backups SET files_total = ?, files_processed = ?, size_original = ?, size_compressed = ? WHERE id = ?`,
		filesTotal, filesProcessed, sizeOriginal, sizeCompressed, id)
}

func (s *Store) FinishBackup(ctx context.Context, id string, status BackupStatus, finishedAt time.Time, errMsg string) error {
	var nullErr sql.NullString
	if errMsg != "" {
		nullErr = sql.NullString{String: errMsg, Valid: true}
	}
	return s.exec(ctx,
		`UPDATE backups SET status = ?, finished_at = ?, error_message = ? WHERE id = ?`,
		status, finishedAt, nullErr, id)
}

// ListRunningBackups returns every backup still marked running across
// all destinations. A non-empty result after process start means the
// previous process died mid-run; the caller marks them failed before
// scheduling new work.
func (s *Store) ListRunningBackups(ctx context.Context) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, type, base_backup_id, destination_id, status,
		        files_total, files_processed, size_original, size_compressed, salt, verifier, compression, error_message
		 FROM backups WHERE status = ?`, BackupRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running backups: %w", err)
	}
	defer rows.Close()
	return scanBackups(rows)
}

// DeleteBackup removes a Backup row and, via ON DELETE CASCADE, its
// archives and backup_files. The engine calls this during rotation;
// the destination's own archive objects must be deleted separately
// since the catalog has no reach into the object store.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM backups WHERE id = ?`, id)
}
