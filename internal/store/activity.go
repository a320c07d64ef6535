package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eraser-privacy/optout/internal/domain"
)

// InsertActivity appends one audit entry.
func (s *Store) InsertActivity(ctx context.Context, a *domain.Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (user_id, activity_type, message, details, broker_id,
			deletion_request_id, response_id, email_scan_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, string(a.Type), a.Message, nullString(a.Details), nullString(a.BrokerID),
		nullInt64(a.DeletionRequestID), nullInt64(a.ResponseID), nullInt64(a.EmailScanID),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// ListActivities returns a user's most recent activity entries, newest first.
func (s *Store) ListActivities(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, activity_type, message, details, broker_id,
			deletion_request_id, response_id, email_scan_id, created_at
		FROM activity_logs WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var typ, createdAt string
		var details, brokerID sql.NullString
		var requestID, responseID, scanID sql.NullInt64

		if err := rows.Scan(&a.ID, &a.UserID, &typ, &a.Message, &details, &brokerID,
			&requestID, &responseID, &scanID, &createdAt); err != nil {
			return nil, err
		}
		a.Type = domain.ActivityType(typ)
		a.Details = details.String
		a.BrokerID = brokerID.String
		a.DeletionRequestID = parseNullInt64(requestID)
		a.ResponseID = parseNullInt64(responseID)
		a.EmailScanID = parseNullInt64(scanID)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
