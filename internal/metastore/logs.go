package metastore

import (
	"context"
	"database/sql"
	"fmt"
)

// LogRetention is the number of most-recent log rows kept by PruneLogs,
// bounding the catalog's ring buffer per the operational log's
// intended use as "what happened recently", not a permanent audit
// trail (that's the slog file output).
const LogRetention = 10_000

func (s *Store) AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (timestamp, level, message, backup_id, details) VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Level, entry.Message, entry.BackupID, entry.Details)
	if err != nil {
		return LogEntry{}, fmt.Errorf("appending log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LogEntry{}, fmt.Errorf("reading log id: %w", err)
	}
	entry.ID = id
	return entry, nil
}

func (s *Store) ListLogs(ctx context.Context, backupID string, limit int) ([]LogEntry, error) {
	var rows *sql.Rows
	var err error
	if backupID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, timestamp, level, message, backup_id, details FROM logs
			 WHERE backup_id = ? ORDER BY id DESC LIMIT ?`, backupID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, timestamp, level, message, backup_id, details FROM logs
			 ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	var result []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Message, &e.BackupID, &e.Details); err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// PruneLogs deletes all but the most recent `keep` log rows, by id.
// No trigger prunes the table, and AppendLog does not call PruneLogs;
// rows are removed only when PruneLogs is called.
func (s *Store) PruneLogs(ctx context.Context, keep int) error {
	return s.exec(ctx,
		`DELETE FROM logs WHERE id <= (
		     SELECT COALESCE(MAX(id), 0) - ? FROM logs
		 )`, keep)
}
