package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Kanri/common/textnorm"
)

const taskColumns = `id, external_id, title, normalized_title, start_date, due_date,
	percent_complete, plan_id, bucket_id, created_at, updated_at`

// CreateTask inserts t and fills in its ID, NormalizedTitle and timestamps.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := utc(s.now())
	t.NormalizedTitle = textnorm.Name(t.Title)
	t.CreatedAt, t.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (external_id, title, normalized_title, start_date, due_date,
			percent_complete, plan_id, bucket_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ExternalID, t.Title, t.NormalizedTitle, nullTime(t.StartDate), nullTime(t.DueDate),
		t.Percent, t.PlanID, t.BucketID, now, now)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}
	t.ID = id
	return nil
}

// GetTask returns the task with the given local id or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// FindTasksByName returns every task whose normalized title equals the
// normalized form of name, ordered by id so repeated lookups list candidates
// in the same order.
func (s *Store) FindTasksByName(ctx context.Context, name string) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE normalized_title = ? ORDER BY id`,
		textnorm.Name(name))
}

// ListTasks returns all tasks ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

// ListTasksForUser returns the tasks the user is assigned to.
func (s *Store) ListTasksForUser(ctx context.Context, userID string) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t.", taskColumns)+`
		FROM tasks t JOIN task_users tu ON tu.task_id = t.id
		WHERE tu.user_id = ?
		ORDER BY t.id
	`, userID)
}

// UpdateTask writes every mutable column of t. It returns ErrNotFound when
// the row vanished since it was read.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	t.NormalizedTitle = textnorm.Name(t.Title)
	t.UpdatedAt = utc(s.now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET external_id = ?, title = ?, normalized_title = ?, start_date = ?,
			due_date = ?, percent_complete = ?, plan_id = ?, bucket_id = ?, updated_at = ?
		WHERE id = ?
	`, t.ExternalID, t.Title, t.NormalizedTitle, nullTime(t.StartDate), nullTime(t.DueDate),
		t.Percent, t.PlanID, t.BucketID, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("task %d", t.ID))
}

// DeleteTask removes a task together with its assignments, time entries and
// comments.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("task %d", id))
}

// AssignUsers adds the given users to the task. Existing assignments are
// kept.
func (s *Store) AssignUsers(ctx context.Context, taskID int64, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin assignment: %w", err)
	}
	defer tx.Rollback()

	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_users (task_id, user_id) VALUES (?, ?)`, taskID, uid,
		); err != nil {
			return fmt.Errorf("failed to assign user %s to task %d: %w", uid, taskID, err)
		}
	}
	return tx.Commit()
}

// AssignedUserIDs lists the ids of users assigned to the task.
func (s *Store) AssignedUserIDs(ctx context.Context, taskID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM task_users WHERE task_id = ? ORDER BY user_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignees: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan assignee: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsAssigned reports whether the user is assigned to the task.
func (s *Store) IsAssigned(ctx context.Context, taskID int64, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_users WHERE task_id = ? AND user_id = ?`, taskID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check assignment: %w", err)
	}
	return n > 0, nil
}

// TaskCount returns the number of tasks.
func (s *Store) TaskCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t          Task
		start, due sql.NullTime
	)
	if err := sc.Scan(&t.ID, &t.ExternalID, &t.Title, &t.NormalizedTitle, &start, &due,
		&t.Percent, &t.PlanID, &t.BucketID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.StartDate, t.DueDate = timePtr(start), timePtr(due)
	return &t, nil
}

// prefixed qualifies every column in a comma-separated list with p.
func prefixed(p, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// expectOneRow turns a zero-row UPDATE/DELETE into ErrNotFound.
func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
