// Package scan runs inbox and response scans for one user at a time.
package scan

import (
	"fmt"
	"strings"
	"time"

	"github.com/eraser-privacy/optout/internal/domain"
)

type Mode string

const (
	ModeInbox     Mode = "inbox"
	ModeResponses Mode = "responses"
)

// Modes lists the scan modes in the order the daily sweep runs them.
var Modes = []Mode{ModeInbox, ModeResponses}

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeInbox, ModeResponses:
		return m, nil
	}
	return "", fmt.Errorf("unknown scan mode %q (want inbox or responses)", s)
}

// ItemError is a failure confined to one message or request.
type ItemError struct {
	MessageID string `json:"message_id,omitempty"`
	RequestID int64  `json:"request_id,omitempty"`
	Err       string `json:"error"`
}

// Report summarizes one scan invocation.
type Report struct {
	UserID     string    `json:"user_id"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Since      time.Time `json:"since"`

	Fetched int `json:"fetched"`
	// Skipped counts messages already handled by an earlier scan or not broker mail.
	Skipped int `json:"skipped"`

	Scanned      int `json:"scanned,omitempty"`
	BrokerEmails int `json:"broker_emails,omitempty"`

	Responses   int            `json:"responses,omitempty"`
	Matched     int            `json:"matched,omitempty"`
	Transitions map[string]int `json:"transitions,omitempty"`

	RetryAttempted int `json:"retry_attempted"`
	RetrySent      int `json:"retry_sent"`

	Watermark time.Time   `json:"watermark"`
	Failures  []ItemError `json:"failures,omitempty"`
}

func (r *Report) fail(messageID string, requestID int64, err error) {
	r.Failures = append(r.Failures, ItemError{MessageID: messageID, RequestID: requestID, Err: err.Error()})
}

func (r *Report) transition(to domain.RequestStatus) {
	if r.Transitions == nil {
		r.Transitions = make(map[string]int)
	}
	r.Transitions[string(to)]++
}
