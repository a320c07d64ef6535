package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eraser-privacy/optout/internal/domain"
)

const requestColumns = `id, user_id, broker_id, broker_name, framework, status, email_subject, email_body,
	send_attempts, last_send_error, next_retry_at, sent_message_id, thread_id, sent_at,
	confirmed_at, rejected_at, notes, created_at, updated_at`

func scanRequest(row scanner) (*domain.DeletionRequest, error) {
	var r domain.DeletionRequest
	var status, createdAt, updatedAt string
	var lastErr, nextRetry, sentMsgID, threadID, sentAt, confirmedAt, rejectedAt, notes sql.NullString

	err := row.Scan(&r.ID, &r.UserID, &r.BrokerID, &r.BrokerName, &r.Framework, &status,
		&r.EmailSubject, &r.EmailBody, &r.SendAttempts, &lastErr, &nextRetry, &sentMsgID,
		&threadID, &sentAt, &confirmedAt, &rejectedAt, &notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = domain.RequestStatus(status)
	r.LastSendError = lastErr.String
	r.NextRetryAt = parseNullTime(nextRetry)
	r.SentMessageID = sentMsgID.String
	r.ThreadID = threadID.String
	r.SentAt = parseNullTime(sentAt)
	r.ConfirmedAt = parseNullTime(confirmedAt)
	r.RejectedAt = parseNullTime(rejectedAt)
	r.Notes = notes.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]domain.DeletionRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeletionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreateRequest inserts r and fills in its id and timestamps.
// A second request for the same (user, broker) fails with domain.ErrDuplicateRequest.
func (s *Store) CreateRequest(ctx context.Context, r *domain.DeletionRequest) error {
	now := s.now().UTC()
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	r.CreatedAt, r.UpdatedAt = now, now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deletion_requests (user_id, broker_id, broker_name, framework, status,
			email_subject, email_body, send_attempts, last_send_error, next_retry_at,
			sent_message_id, thread_id, sent_at, confirmed_at, rejected_at, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.BrokerID, r.BrokerName, r.Framework, string(r.Status),
		r.EmailSubject, r.EmailBody, r.SendAttempts, nullString(r.LastSendError), nullTime(r.NextRetryAt),
		nullString(r.SentMessageID), nullString(r.ThreadID), nullTime(r.SentAt),
		nullTime(r.ConfirmedAt), nullTime(r.RejectedAt), nullString(r.Notes),
		formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s/%s: %w", r.UserID, r.BrokerID, domain.ErrDuplicateRequest)
	}
	if err != nil {
		return fmt.Errorf("failed to insert deletion request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// GetRequest returns the request with the given id or domain.ErrNotFound.
func (s *Store) GetRequest(ctx context.Context, id int64) (*domain.DeletionRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM deletion_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if noRows(err) {
		return nil, fmt.Errorf("deletion request %d: %w", id, domain.ErrNotFound)
	}
	return r, err
}

// FindRequest returns the request for a (user, broker) pair or domain.ErrNotFound.
func (s *Store) FindRequest(ctx context.Context, userID, brokerID string) (*domain.DeletionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM deletion_requests WHERE user_id = ? AND broker_id = ?`,
		userID, brokerID)
	r, err := scanRequest(row)
	if noRows(err) {
		return nil, fmt.Errorf("deletion request %s/%s: %w", userID, brokerID, domain.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListRequests(ctx context.Context, userID string) ([]domain.DeletionRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM deletion_requests WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID)
}

// ListOutstanding returns requests that were sent and still await a final reply.
func (s *Store) ListOutstanding(ctx context.Context, userID string) ([]domain.DeletionRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM deletion_requests
		WHERE user_id = ? AND status IN (?, ?)
		ORDER BY sent_at DESC, id ASC`,
		userID, string(domain.StatusSent), string(domain.StatusActionRequired))
}

// ListDueForRetry returns PENDING requests whose next retry time is at or before now.
// Requests without a retry time (never attempted, or out of attempts) are excluded.
func (s *Store) ListDueForRetry(ctx context.Context, userID string, now time.Time) ([]domain.DeletionRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM deletion_requests
		WHERE user_id = ? AND status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id ASC`,
		userID, string(domain.StatusPending), formatTime(now))
}

// UpdateRequest writes every mutable column of r and stamps updated_at.
func (s *Store) UpdateRequest(ctx context.Context, r *domain.DeletionRequest) error {
	r.UpdatedAt = s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE deletion_requests SET
			status = ?, email_subject = ?, email_body = ?, send_attempts = ?, last_send_error = ?,
			next_retry_at = ?, sent_message_id = ?, thread_id = ?, sent_at = ?,
			confirmed_at = ?, rejected_at = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), r.EmailSubject, r.EmailBody, r.SendAttempts, nullString(r.LastSendError),
		nullTime(r.NextRetryAt), nullString(r.SentMessageID), nullString(r.ThreadID), nullTime(r.SentAt),
		nullTime(r.ConfirmedAt), nullTime(r.RejectedAt), nullString(r.Notes), formatTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deletion request %d: %w", r.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("deletion request %d: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

// RequestStats counts a user's requests by status.
func (s *Store) RequestStats(ctx context.Context, userID string) (map[domain.RequestStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deletion_requests WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.RequestStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[domain.RequestStatus(status)] = count
	}
	return stats, rows.Err()
}
