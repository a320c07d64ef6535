package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateRequest      = errors.New("deletion request already exists")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrAuthorization         = errors.New("mailbox authorization required")
	ErrTransientSend         = errors.New("transient send failure")
	ErrRateLimited           = errors.New("rate limited")
	ErrClassificationTimeout = errors.New("ai classification timed out")
	ErrNotFound              = errors.New("not found")
	ErrScanInProgress        = errors.New("scan already in progress")
)

// RateLimitError carries how long the caller should wait before retrying.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Key, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// TransitionError describes a rejected lifecycle move.
type TransitionError struct {
	RequestID int64
	From      RequestStatus
	To        RequestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %d: cannot move from %s to %s", e.RequestID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
