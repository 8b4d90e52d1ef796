package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const entryColumns = `id, task_id, user_id, start_time, end_time, duration_secs`

// OpenEntry starts a running time entry for (userID, taskID). It returns
// ErrConflict when one is already running for that pair.
func (s *Store) OpenEntry(ctx context.Context, taskID int64, userID string, start time.Time) (*TimeEntry, error) {
	start = utc(start)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO time_entries (task_id, user_id, start_time, end_time, duration_secs)
		VALUES (?, ?, ?, NULL, 0)
	`, taskID, userID, start)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("running entry for user %s on task %d: %w", userID, taskID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open time entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read time entry id: %w", err)
	}
	return &TimeEntry{ID: id, TaskID: taskID, UserID: userID, Start: start}, nil
}

// GetOpenEntry returns the running entry for (userID, taskID) or ErrNotFound.
func (s *Store) GetOpenEntry(ctx context.Context, taskID int64, userID string) (*TimeEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM time_entries
		WHERE task_id = ? AND user_id = ? AND end_time IS NULL
	`, taskID, userID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("running entry for user %s on task %d: %w", userID, taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get running entry: %w", err)
	}
	return e, nil
}

// CloseEntry stops a running entry at end and records its duration. It
// returns ErrNotFound when the entry is missing or already closed.
func (s *Store) CloseEntry(ctx context.Context, e *TimeEntry, end time.Time) error {
	end = utc(end)
	if end.Before(e.Start) {
		end = e.Start
	}
	d := end.Sub(e.Start)
	res, err := s.db.ExecContext(ctx, `
		UPDATE time_entries SET end_time = ?, duration_secs = ?
		WHERE id = ? AND end_time IS NULL
	`, end, int64(d/time.Second), e.ID)
	if err != nil {
		return fmt.Errorf("failed to close time entry: %w", err)
	}
	if err := expectOneRow(res, fmt.Sprintf("running entry %d", e.ID)); err != nil {
		return err
	}
	e.End, e.Duration = &end, d
	return nil
}

// DeleteEntry removes a time entry.
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete time entry: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("time entry %d", id))
}

// AddEntry records a finished block of work.
func (s *Store) AddEntry(ctx context.Context, taskID int64, userID string, start, end time.Time) (*TimeEntry, error) {
	start, end = utc(start), utc(end)
	d := end.Sub(start)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO time_entries (task_id, user_id, start_time, end_time, duration_secs)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, userID, start, end, int64(d/time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to add time entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read time entry id: %w", err)
	}
	return &TimeEntry{ID: id, TaskID: taskID, UserID: userID, Start: start, End: &end, Duration: d}, nil
}

// ListEntries returns the time entries matching f ordered by start time.
func (s *Store) ListEntries(ctx context.Context, f EntryFilter) ([]*TimeEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TaskID != 0 {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.From != nil {
		where = append(where, "start_time >= ?")
		args = append(args, utc(*f.From))
	}
	if f.To != nil {
		where = append(where, "end_time IS NOT NULL AND end_time <= ?")
		args = append(args, utc(*f.To))
	}
	if f.ClosedOnly {
		where = append(where, "end_time IS NOT NULL")
	}

	query := `SELECT ` + entryColumns + ` FROM time_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	defer rows.Close()

	var entries []*TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan time entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OpenTaskIDs returns the ids of tasks the user currently has a running entry
// on.
func (s *Store) OpenTaskIDs(ctx context.Context, userID string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM time_entries WHERE user_id = ? AND end_time IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query running entries: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func scanEntry(sc scanner) (*TimeEntry, error) {
	var (
		e    TimeEntry
		end  sql.NullTime
		secs int64
	)
	if err := sc.Scan(&e.ID, &e.TaskID, &e.UserID, &e.Start, &end, &secs); err != nil {
		return nil, err
	}
	e.Start = e.Start.UTC()
	e.End = timePtr(end)
	e.Duration = time.Duration(secs) * time.Second
	return &e, nil
}
