package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eraser-privacy/optout/internal/domain"
)

const scanColumns = `id, user_id, message_id, sender_email, sender_domain, subject, received_at,
	is_broker_email, confidence, broker_id, classification_notes, body_preview, created_at`

func scanEmailScan(row scanner) (*domain.EmailScan, error) {
	var e domain.EmailScan
	var sender, senderDomain, subject, receivedAt, brokerID, notes, preview sql.NullString
	var isBroker int
	var createdAt string

	err := row.Scan(&e.ID, &e.UserID, &e.MessageID, &sender, &senderDomain, &subject, &receivedAt,
		&isBroker, &e.Confidence, &brokerID, &notes, &preview, &createdAt)
	if err != nil {
		return nil, err
	}

	e.SenderEmail = sender.String
	e.SenderDomain = senderDomain.String
	e.Subject = subject.String
	e.ReceivedAt = parseTime(receivedAt.String)
	e.IsBrokerEmail = isBroker == 1
	e.BrokerID = brokerID.String
	e.ClassificationNotes = notes.String
	e.BodyPreview = preview.String
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// SaveScan inserts e unless the user already has a scan for the same message id.
// It reports whether a row was inserted.
func (s *Store) SaveScan(ctx context.Context, e *domain.EmailScan) (bool, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO email_scans (user_id, message_id, sender_email, sender_domain, subject, received_at,
			is_broker_email, confidence, broker_id, classification_notes, body_preview, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO NOTHING`,
		e.UserID, e.MessageID, nullString(e.SenderEmail), nullString(e.SenderDomain), nullString(e.Subject),
		nullTime(&e.ReceivedAt), boolInt(e.IsBrokerEmail), e.Confidence, nullString(e.BrokerID),
		nullString(e.ClassificationNotes), nullString(e.BodyPreview), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert email scan: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, err
	}
	e.ID = id
	e.CreatedAt = now
	return true, nil
}

// ListScans returns a user's scans, newest first. brokerOnly keeps only broker mail.
func (s *Store) ListScans(ctx context.Context, userID string, brokerOnly bool) ([]domain.EmailScan, error) {
	query := `SELECT ` + scanColumns + ` FROM email_scans WHERE user_id = ?`
	if brokerOnly {
		query += ` AND is_broker_email = 1`
	}
	query += ` ORDER BY received_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EmailScan
	for rows.Next() {
		e, err := scanEmailScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
