package metastore

import (
	"context"
	"fmt"
)

func (s *Store) InsertBackupFile(ctx context.Context, f BackupFile) (BackupFile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_files (id, backup_id, archive_id, source_root, relative_path, file_size, segment_offset, segment_length, modified_timestamp, flag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.BackupID, f.ArchiveID, f.SourceRoot, f.RelativePath, f.FileSize, f.SegmentOffset, f.SegmentLength, f.ModifiedTimestamp, f.Flag)
	if err != nil {
		return BackupFile{}, fmt.Errorf("inserting backup file: %w", err)
	}
	return f, nil
}

func (s *Store) ListBackupFilesForBackup(ctx context.Context, backupID string) ([]BackupFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, backup_id, archive_id, source_root, relative_path, file_size, segment_offset, segment_length, modified_timestamp, flag
		 FROM backup_files WHERE backup_id = ? ORDER BY relative_path ASC`, backupID)
	if err != nil {
		return nil, fmt.Errorf("listing backup files: %w", err)
	}
	defer rows.Close()

	var result []BackupFile
	for rows.Next() {
		var f BackupFile
		if err := rows.Scan(&f.ID, &f.BackupID, &f.ArchiveID, &f.SourceRoot, &f.RelativePath, &f.FileSize, &f.SegmentOffset, &f.SegmentLength, &f.ModifiedTimestamp, &f.Flag); err != nil {
			return nil, fmt.Errorf("scanning backup file: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// GetBackupChain walks base_backup_id pointers back from targetBackupID
// to the full backup it ultimately descends from, returning the chain
// in chronological order (the full backup first, targetBackupID last).
// This is the set of backups whose files a restore at targetBackupID
// must consider.
func (s *Store) GetBackupChain(ctx context.Context, targetBackupID string) ([]Backup, error) {
	var chain []Backup
	id := targetBackupID
	for {
		b, err := s.GetBackup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading backup %s in chain: %w", id, err)
		}
		chain = append(chain, b)
		if b.Type == BackupFull || !b.BaseBackupID.Valid {
			break
		}
		id = b.BaseBackupID.String
	}
	// reverse into chronological order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
