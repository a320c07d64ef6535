package store

import (
	"context"
	"fmt"
	"time"
)

// Watermark returns the newest received_at committed for (user, mode).
// ok is false when the pair has never been scanned.
func (s *Store) Watermark(ctx context.Context, userID, mode string) (t time.Time, ok bool, err error) {
	var value string
	err = s.db.QueryRowContext(ctx,
		`SELECT last_received_at FROM scan_watermarks WHERE user_id = ? AND mode = ?`,
		userID, mode).Scan(&value)
	if noRows(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(value), true, nil
}

// AdvanceWatermark moves the (user, mode) watermark forward to t. An older t
// leaves the stored value untouched.
func (s *Store) AdvanceWatermark(ctx context.Context, userID, mode string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_watermarks (user_id, mode, last_received_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, mode) DO UPDATE SET
			last_received_at = MAX(last_received_at, excluded.last_received_at),
			updated_at = excluded.updated_at`,
		userID, mode, formatTime(t), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}
