package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSession returns the reasoning thread bound to a conversation or
// ErrNotFound.
func (s *Store) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, thread_id, last_activity FROM sessions WHERE conversation_id = ?
	`, conversationID).Scan(&sess.ConversationID, &sess.ThreadID, &sess.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.LastActivity = sess.LastActivity.UTC()
	return &sess, nil
}

// PutSession binds a conversation to a thread and marks it active now.
func (s *Store) PutSession(ctx context.Context, conversationID, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, thread_id, last_activity) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			last_activity = excluded.last_activity
	`, conversationID, threadID, utc(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// TouchSession refreshes the last activity time of a conversation.
func (s *Store) TouchSession(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE conversation_id = ?`, utc(s.now()), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return expectOneRow(res, "session "+conversationID)
}

// DeleteIdleSessions removes sessions inactive for longer than maxIdle and
// returns how many were removed.
func (s *Store) DeleteIdleSessions(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := utc(s.now().Add(-maxIdle))
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	return res.RowsAffected()
}
