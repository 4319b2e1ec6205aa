package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateArchive(ctx context.Context, a Archive) (Archive, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives (id, backup_id, segment_index, remote_path, status)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.BackupID, a.SegmentIndex, a.RemotePath, a.Status)
	if err != nil {
		return Archive{}, fmt.Errorf("creating archive: %w", err)
	}
	return a, nil
}

func (s *Store) SealArchive(ctx context.Context, id string, sizeCompressed, sizeEncrypted int64, sealedAt time.Time) error {
	return s.exec(ctx,
		`UPDATE archives SET status = ?, size_compressed = ?, size_encrypted = ?, sealed_at = ? WHERE id = ?`,
		ArchiveSealed, sizeCompressed, sizeEncrypted, sealedAt, id)
}

func (s *Store) ListArchivesForBackup(ctx context.Context, backupID string) ([]Archive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, backup_id, segment_index, remote_path, size_compressed, size_encrypted, status, sealed_at
		 FROM archives WHERE backup_id = ? ORDER BY segment_index ASC`, backupID)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	defer rows.Close()

	var result []Archive
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.ID, &a.BackupID, &a.SegmentIndex, &a.RemotePath, &a.SizeCompressed, &a.SizeEncrypted, &a.Status, &a.SealedAt); err != nil {
			return nil, fmt.Errorf("scanning archive: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) GetArchive(ctx context.Context, id string) (Archive, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, backup_id, segment_index, remote_path, size_compressed, size_encrypted, status, sealed_at
		 FROM archives WHERE id = ?`, id)
	var a Archive
	if err := row.Scan(&a.ID, &a.BackupID, &a.SegmentIndex, &a.RemotePath, &a.SizeCompressed, &a.SizeEncrypted, &a.Status, &a.SealedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Archive{}, ErrNotFound
		}
		return Archive{}, fmt.Errorf("getting archive: %w", err)
	}
	return a, nil
}
