package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eraser-privacy/optout/internal/domain"
)

const responseColumns = `id, user_id, message_id, thread_id, deletion_request_id, sender_email, subject, body,
	received_at, response_type, confidence, matched_by, source, rationale, action_url,
	is_processed, processed_at, created_at`

func scanResponse(row scanner) (*domain.BrokerResponse, error) {
	var r domain.BrokerResponse
	var threadID, sender, subject, body, receivedAt, matchedBy, source, rationale, actionURL, processedAt sql.NullString
	var requestID sql.NullInt64
	var responseType, createdAt string
	var processed int

	err := row.Scan(&r.ID, &r.UserID, &r.MessageID, &threadID, &requestID, &sender, &subject, &body,
		&receivedAt, &responseType, &r.Confidence, &matchedBy, &source, &rationale, &actionURL,
		&processed, &processedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	r.ThreadID = threadID.String
	r.DeletionRequestID = parseNullInt64(requestID)
	r.SenderEmail = sender.String
	r.Subject = subject.String
	r.Body = body.String
	r.ReceivedAt = parseTime(receivedAt.String)
	r.ResponseType = domain.ResponseType(responseType)
	r.MatchedBy = matchedBy.String
	r.Source = source.String
	r.Rationale = rationale.String
	r.ActionURL = actionURL.String
	r.IsProcessed = processed == 1
	r.ProcessedAt = parseNullTime(processedAt)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// SaveResponse inserts r unless a response with the same message id already exists
// for the user. It reports whether a row was inserted; either way r.ID is set to
// the stored row's id.
func (s *Store) SaveResponse(ctx context.Context, r *domain.BrokerResponse) (bool, error) {
	now := s.now().UTC()
	if r.ResponseType == "" {
		r.ResponseType = domain.ResponseUnknown
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_responses (user_id, message_id, thread_id, deletion_request_id, sender_email,
			subject, body, received_at, response_type, confidence, matched_by, source, rationale,
			action_url, is_processed, processed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO NOTHING`,
		r.UserID, r.MessageID, nullString(r.ThreadID), nullInt64(r.DeletionRequestID), nullString(r.SenderEmail),
		nullString(r.Subject), nullString(r.Body), nullTime(&r.ReceivedAt), string(r.ResponseType),
		r.Confidence, nullString(r.MatchedBy), nullString(r.Source), nullString(r.Rationale),
		nullString(r.ActionURL), boolInt(r.IsProcessed), nullTime(r.ProcessedAt), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert broker response: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		existing, err := s.GetResponseByMessageID(ctx, r.UserID, r.MessageID)
		if err != nil {
			return false, err
		}
		r.ID = existing.ID
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, err
	}
	r.ID = id
	r.CreatedAt = now
	return true, nil
}

func (s *Store) GetResponseByMessageID(ctx context.Context, userID, messageID string) (*domain.BrokerResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM broker_responses WHERE user_id = ? AND message_id = ?`,
		userID, messageID)
	r, err := scanResponse(row)
	if noRows(err) {
		return nil, fmt.Errorf("broker response %s: %w", messageID, domain.ErrNotFound)
	}
	return r, err
}

// UpdateResponse rewrites the classification and match of a stored response.
func (s *Store) UpdateResponse(ctx context.Context, r *domain.BrokerResponse) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE broker_responses SET
			thread_id = ?, deletion_request_id = ?, response_type = ?, confidence = ?, matched_by = ?,
			source = ?, rationale = ?, action_url = ?, is_processed = ?, processed_at = ?
		WHERE id = ?`,
		nullString(r.ThreadID), nullInt64(r.DeletionRequestID), string(r.ResponseType), r.Confidence,
		nullString(r.MatchedBy), nullString(r.Source), nullString(r.Rationale), nullString(r.ActionURL),
		boolInt(r.IsProcessed), nullTime(r.ProcessedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update broker response %d: %w", r.ID, err)
	}
	return nil
}

// MarkResponseProcessed flags a response as done. It is a no-op for an
// already processed response so processed_at keeps its first value.
func (s *Store) MarkResponseProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broker_responses SET is_processed = 1, processed_at = ? WHERE id = ? AND is_processed = 0`,
		formatTime(s.now()), id)
	return err
}

// ListResponses returns a user's responses, newest first. A zero limit returns all.
func (s *Store) ListResponses(ctx context.Context, userID string, limit int) ([]domain.BrokerResponse, error) {
	query := `SELECT ` + responseColumns + ` FROM broker_responses WHERE user_id = ? ORDER BY received_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BrokerResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ResponsesForRequest returns the responses matched to a deletion request, oldest first.
func (s *Store) ResponsesForRequest(ctx context.Context, requestID int64) ([]domain.BrokerResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+responseColumns+` FROM broker_responses WHERE deletion_request_id = ? ORDER BY received_at ASC, id ASC`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BrokerResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
