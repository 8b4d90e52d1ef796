package store

import (
	"context"
	"fmt"
)

// CreateComment stores a comment and fills in its ID and CreatedAt.
func (s *Store) CreateComment(ctx context.Context, c *Comment) error {
	c.CreatedAt = utc(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (task_id, user_id, content, created_at) VALUES (?, ?, ?, ?)
	`, c.TaskID, c.UserID, c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read comment id: %w", err)
	}
	c.ID = id
	return nil
}

// ListComments returns the comments on a task, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID int64) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, content, created_at FROM comments
		WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var out []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
