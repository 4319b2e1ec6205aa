package metastore

import (
	"context"
	"fmt"
	"time"
)

// StartOperation inserts a running Operation row and returns it with its
// assigned ID, the same pattern the backup row uses to mark work
// in-flight before the engine has produced a result.
func (s *Store) StartOperation(ctx context.Context, operation, parameters string) (Operation, error) {
	op := Operation{Operation: operation, Parameters: parameters, Status: OperationRunning, StartedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, ?, ?)`,
		op.Operation, op.Parameters, op.Status, op.StartedAt)
	if err != nil {
		return Operation{}, fmt.Errorf("starting operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Operation{}, fmt.Errorf("reading operation id: %w", err)
	}
	op.ID = id
	return op, nil
}

// FinishOperation marks an Operation row success or error.
func (s *Store) FinishOperation(ctx context.Context, id int64, status OperationStatus) error {
	return s.exec(ctx,
		`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
}

// ListRunningOperations returns every Operation row still marked
// running. A non-empty result at startup means the previous process
// died mid-command.
func (s *Store) ListRunningOperations(ctx context.Context) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, parameters, status, started_at, finished_at FROM operations WHERE status = ?`,
		OperationRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running operations: %w", err)
	}
	defer rows.Close()

	var result []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

// ListOperations returns the most recent operations, newest first,
// for the history command.
func (s *Store) ListOperations(ctx context.Context, limit int) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, parameters, status, started_at, finished_at FROM operations ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		result = append(result, op)
	}
	return result, rows.Err()
}
