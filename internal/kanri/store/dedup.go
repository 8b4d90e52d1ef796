package store

import (
	"context"
	"fmt"
	"time"
)

// MarkProcessed records an inbound message id for a source. It returns false
// when the id was already recorded, meaning the message is a redelivery.
func (s *Store) MarkProcessed(ctx context.Context, source, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (source, message_id, seen_at) VALUES (?, ?, ?)
	`, source, messageID, utc(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to record processed message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// PruneProcessed forgets message ids older than maxAge.
func (s *Store) PruneProcessed(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE seen_at < ?`, utc(s.now().Add(-maxAge)))
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed messages: %w", err)
	}
	return res.RowsAffected()
}
