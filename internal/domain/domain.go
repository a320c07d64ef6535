package domain

import "time"

// RequestStatus is the lifecycle state of a deletion request
type RequestStatus string

const (
	StatusPending        RequestStatus = "PENDING"
	StatusSent           RequestStatus = "SENT"
	StatusConfirmed      RequestStatus = "CONFIRMED"
	StatusRejected       RequestStatus = "REJECTED"
	StatusActionRequired RequestStatus = "ACTION_REQUIRED"
)

// Terminal reports whether no further transition may leave the status.
func (s RequestStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Resolved reports whether the status was reached from a broker reply.
func (s RequestStatus) Resolved() bool {
	return s == StatusConfirmed || s == StatusRejected || s == StatusActionRequired
}

// ResponseType is the semantic category of a broker reply
type ResponseType string

const (
	ResponseConfirmation   ResponseType = "confirmation"
	ResponseRejection      ResponseType = "rejection"
	ResponseAcknowledgment ResponseType = "acknowledgment"
	ResponseActionRequired ResponseType = "action_required"
	ResponseRequestInfo    ResponseType = "request_info"
	ResponseUnknown        ResponseType = "unknown"
)

// ResponseTypes lists every response type in a stable order.
var ResponseTypes = []ResponseType{
	ResponseConfirmation,
	ResponseRejection,
	ResponseAcknowledgment,
	ResponseActionRequired,
	ResponseRequestInfo,
	ResponseUnknown,
}

// Valid reports whether t is one of the known response types.
func (t ResponseType) Valid() bool {
	for _, known := range ResponseTypes {
		if t == known {
			return true
		}
	}
	return false
}

// User is the mailbox owner on whose behalf requests are sent
type User struct {
	ID    string
	Email string
	Name  string
}

type DeletionRequest struct {
	ID            int64
	UserID        string
	BrokerID      string
	BrokerName    string
	Framework     string
	Status        RequestStatus
	EmailSubject  string
	EmailBody     string
	SendAttempts  int
	LastSendError string
	NextRetryAt   *time.Time
	SentMessageID string
	ThreadID      string
	SentAt        *time.Time
	ConfirmedAt   *time.Time
	RejectedAt    *time.Time
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BrokerResponse is an inbound email classified as a broker reply
type BrokerResponse struct {
	ID                int64
	UserID            string
	MessageID         string // external (mailbox) message id, unique
	ThreadID          string
	DeletionRequestID *int64
	SenderEmail       string
	Subject           string
	Body              string
	ReceivedAt        time.Time
	ResponseType      ResponseType
	Confidence        float64
	MatchedBy         string // empty when unmatched
	Source            string // "rules" or "ai"
	Rationale         string
	ActionURL         string
	IsProcessed       bool
	ProcessedAt       *time.Time
	CreatedAt         time.Time
}

// EmailScan is an inbound email evaluated for broker origin
type EmailScan struct {
	ID                  int64
	UserID              string
	MessageID           string
	SenderEmail         string
	SenderDomain        string
	Subject             string
	ReceivedAt          time.Time
	IsBrokerEmail       bool
	Confidence          float64
	BrokerID            string // empty when no broker linked
	ClassificationNotes string
	BodyPreview         string
	CreatedAt           time.Time
}

// ActivityType categorizes audit log entries
type ActivityType string

const (
	ActivityRequestCreated   ActivityType = "request_created"
	ActivityRequestSent      ActivityType = "request_sent"
	ActivitySendFailed       ActivityType = "send_failed"
	ActivityStatusChanged    ActivityType = "status_changed"
	ActivityResponseReceived ActivityType = "response_received"
	ActivityResponseScanned  ActivityType = "response_scanned"
	ActivityEmailScanned     ActivityType = "email_scanned"
	ActivityBrokerDetected   ActivityType = "broker_detected"
	ActivityError            ActivityType = "error"
	ActivityWarning          ActivityType = "warning"
	ActivityInfo             ActivityType = "info"
)

// Activity is one append-only audit log entry
type Activity struct {
	ID                int64
	UserID            string
	Type              ActivityType
	Message           string
	Details           string
	BrokerID          string
	DeletionRequestID *int64
	ResponseID        *int64
	EmailScanID       *int64
	CreatedAt         time.Time
}
