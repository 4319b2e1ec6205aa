package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("metastore: not found")

func (s *Store) CreateSource(ctx context.Context, src Source) (Source, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, root_path, enabled, exclude_patterns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.RootPath, src.Enabled, src.ExcludePatterns, src.CreatedAt)
	if err != nil {
		return Source{}, fmt.Errorf("creating source: %w", err)
	}
	return src, nil
}

func (s *Store) GetSource(ctx context.Context, id string) (Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, root_path, enabled, exclude_patterns, created_at FROM sources WHERE id = ?`, id)
	var src Source
	if err := row.Scan(&src.ID, &src.Name, &src.RootPath, &src.Enabled, &src.ExcludePatterns, &src.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Source{}, ErrNotFound
		}
		return Source{}, fmt.Errorf("getting source: %w", err)
	}
	return src, nil
}

func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, root_path, enabled, exclude_patterns, created_at FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var result []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Name, &src.RootPath, &src.Enabled, &src.ExcludePatterns, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		result = append(result, src)
	}
	return result, rows.Err()
}

func (s *Store) CreateDestination(ctx context.Context, dst Destination) (Destination, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations (id, name, type, config, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dst.ID, dst.Name, dst.Type, dst.Config, dst.Enabled, dst.CreatedAt)
	if err != nil {
		return Destination{}, fmt.Errorf("creating destination: %w", err)
	}
	return dst, nil
}

func (s *Store) GetDestination(ctx context.Context, id string) (Destination, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, config, enabled, last_connected, created_at FROM destinations WHERE id = ?`, id)
	var dst Destination
	if err := row.Scan(&dst.ID, &dst.Name, &dst.Type, &dst.Config, &dst.Enabled, &dst.LastConnected, &dst.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Destination{}, ErrNotFound
		}
		return Destination{}, fmt.Errorf("getting destination: %w", err)
	}
	return dst, nil
}

func (s *Store) ListDestinations(ctx context.Context) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, config, enabled, last_connected, created_at FROM destinations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing destinations: %w", err)
	}
	defer rows.Close()

	var result []Destination
	for rows.Next() {
		var dst Destination
		if err := rows.Scan(&dst.ID, &dst.Name, &dst.Type, &dst.Config, &dst.Enabled, &dst.LastConnected, &dst.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning destination: %w", err)
		}
		result = append(result, dst)
	}
	return result, rows.Err()
}

func (s *Store) TouchDestinationConnected(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE destinations SET last_connected = ? WHERE id = ?`, at, id)
}

func (s *Store) CreateSchedule(ctx context.Context, sch Schedule) (Schedule, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules
		 (id, name, enabled, frequency, time_of_day, weekdays, day_of_month, source_ids, destination_id, last_run, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.Name, sch.Enabled, sch.Frequency, sch.TimeOfDay, sch.Weekdays, sch.DayOfMonth,
		sch.SourceIDs, sch.DestinationID, sch.LastRun, sch.NextRun, sch.CreatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("creating schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, enabled, frequency, time_of_day, weekdays, day_of_month, source_ids, destination_id, last_run, next_run, created_at
		 FROM schedules WHERE id = ?`, id)
	var sch Schedule
	if err := row.Scan(&sch.ID, &sch.Name, &sch.Enabled, &sch.Frequency, &sch.TimeOfDay, &sch.Weekdays, &sch.DayOfMonth,
		&sch.SourceIDs, &sch.DestinationID, &sch.LastRun, &sch.NextRun, &sch.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, ErrNotFound
		}
		return Schedule{}, fmt.Errorf("getting schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, enabled, frequency, time_of_day, weekdays, day_of_month, source_ids, destination_id, last_run, next_run, created_at
		 FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var result []Schedule
	for rows.Next() {
		var sch Schedule
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.Enabled, &sch.Frequency, &sch.TimeOfDay, &sch.Weekdays, &sch.DayOfMonth,
			&sch.SourceIDs, &sch.DestinationID, &sch.LastRun, &sch.NextRun, &sch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		result = append(result, sch)
	}
	return result, rows.Err()
}

func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	var next sql.NullTime
	if nextRun != nil {
		next = sql.NullTime{Time: *nextRun, Valid: true}
	}
	return s.exec(ctx, `UPDATE schedules SET last_run = ?, next_run = ? WHERE id = ?`, lastRun, next, id)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
}

func (s *Store) DeleteSource(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM sources WHERE id = ?`, id)
}
