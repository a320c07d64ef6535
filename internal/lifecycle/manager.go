// Package lifecycle owns the deletion request state machine.
//
//	PENDING -> SENT -> CONFIRMED | REJECTED | ACTION_REQUIRED
//	ACTION_REQUIRED -> CONFIRMED | REJECTED
//
// CONFIRMED and REJECTED are terminal. ACTION_REQUIRED waits for a follow-up
// reply and never expires on its own.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/activity"
	"github.com/eraser-privacy/optout/internal/broker"
	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/mailbox"
	"github.com/eraser-privacy/optout/internal/metrics"
)

// ErrNoRecipient is returned by Send when the broker has no privacy address.
var ErrNoRecipient = errors.New("broker has no privacy email")

type Store interface {
	CreateRequest(ctx context.Context, r *domain.DeletionRequest) error
	GetRequest(ctx context.Context, id int64) (*domain.DeletionRequest, error)
	FindRequest(ctx context.Context, userID, brokerID string) (*domain.DeletionRequest, error)
	UpdateRequest(ctx context.Context, r *domain.DeletionRequest) error
	ListRequests(ctx context.Context, userID string) ([]domain.DeletionRequest, error)
	ListDueForRetry(ctx context.Context, userID string, now time.Time) ([]domain.DeletionRequest, error)
}

// Generator renders the outbound deletion email.
type Generator interface {
	Generate(userEmail, brokerName, framework string) (subject, body string, err error)
}

// Mailboxes resolves the mailbox a user's requests are sent from.
// *mailbox.Registry satisfies it.
type Mailboxes interface {
	Get(userID string) (mailbox.Provider, error)
}

// Directory looks brokers up by id. *broker.Snapshot satisfies it.
type Directory interface {
	Get(id string) (broker.Broker, bool)
}

// Options tune send retries. Zero values take the defaults.
type Options struct {
	// BackoffBase is the wait after the first failed send.
	BackoffBase time.Duration
	// BackoffMultiplier grows the wait after each further failure.
	BackoffMultiplier float64
	// BackoffMax caps any single wait.
	BackoffMax time.Duration
	// MaxAttempts is the number of sends after which no retry is scheduled.
	MaxAttempts int
	Now         func() time.Time
}

func DefaultOptions() Options {
	return Options{
		BackoffBase:       15 * time.Minute,
		BackoffMultiplier: 2,
		BackoffMax:        24 * time.Hour,
		MaxAttempts:       5,
		Now:               time.Now,
	}
}

// OptionsFromConfig maps the lifecycle config section onto Options.
func OptionsFromConfig(cfg config.LifecycleConfig) Options {
	return Options{
		BackoffBase:       cfg.BackoffBase,
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffMax:        cfg.BackoffMax,
		MaxAttempts:       cfg.MaxAttempts,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Backoff returns the wait after the given number of failed attempts:
// BackoffBase * BackoffMultiplier^(attempts-1), capped at BackoffMax.
func (o Options) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	wait := float64(o.BackoffBase) * math.Pow(o.BackoffMultiplier, float64(attempts-1))
	if wait >= float64(o.BackoffMax) || math.IsInf(wait, 0) {
		return o.BackoffMax
	}
	return time.Duration(wait)
}

type Deps struct {
	Store     Store
	Templates Generator
	Mailboxes Mailboxes
	Directory Directory
	Activity  *activity.Recorder
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
}

// Manager is the only writer of DeletionRequest.status. Every transition
// holds the request's lock for its duration.
type Manager struct {
	store     Store
	templates Generator
	mailboxes Mailboxes
	directory Directory
	activity  *activity.Recorder
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	opts      Options
	locks     *keyedMutex
}

func New(deps Deps, opts Options) *Manager {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store:     deps.Store,
		templates: deps.Templates,
		mailboxes: deps.Mailboxes,
		directory: deps.Directory,
		activity:  deps.Activity,
		metrics:   deps.Metrics,
		log:       log.WithField("component", "lifecycle"),
		opts:      opts.withDefaults(),
		locks:     newKeyedMutex(),
	}
}

func (m *Manager) Options() Options { return m.opts }

func (m *Manager) now() time.Time { return m.opts.Now().UTC() }

// Create generates and stores a PENDING request for (user, broker).
// Any existing request for the pair fails with domain.ErrDuplicateRequest.
func (m *Manager) Create(ctx context.Context, user domain.User, b broker.Broker, framework string) (*domain.DeletionRequest, error) {
	r, err := m.create(ctx, user, b, framework)
	if err != nil {
		entry := activity.Entry(user.ID, domain.ActivityError, fmt.Sprintf("Failed to create deletion request for %s", b.Name))
		entry.Details = err.Error()
		entry.BrokerID = b.ID
		m.activity.Record(ctx, entry)
		return nil, err
	}

	entry := activity.Entry(user.ID, domain.ActivityRequestCreated, fmt.Sprintf("Created deletion request for %s", b.Name))
	entry.BrokerID = b.ID
	entry.DeletionRequestID = &r.ID
	m.activity.Record(ctx, entry)

	m.log.WithFields(logrus.Fields{"user_id": user.ID, "broker_id": b.ID, "request_id": r.ID}).Info("deletion request created")
	return r, nil
}

func (m *Manager) create(ctx context.Context, user domain.User, b broker.Broker, framework string) (*domain.DeletionRequest, error) {
	if user.ID == "" || b.ID == "" {
		return nil, fmt.Errorf("user and broker ids are required")
	}

	_, err := m.store.FindRequest(ctx, user.ID, b.ID)
	if err == nil {
		return nil, fmt.Errorf("%s/%s: %w", user.ID, b.ID, domain.ErrDuplicateRequest)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	subject, body, err := m.templates.Generate(user.Email, b.Name, framework)
	if err != nil {
		return nil, fmt.Errorf("failed to generate request email: %w", err)
	}

	r := &domain.DeletionRequest{
		UserID:       user.ID,
		BrokerID:     b.ID,
		BrokerName:   b.Name,
		Framework:    framework,
		Status:       domain.StatusPending,
		EmailSubject: subject,
		EmailBody:    body,
	}
	if err := m.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Send delivers a PENDING request. The attempt is counted before the
// transport is called. On success the request becomes SENT. An authorization
// failure returns domain.ErrAuthorization and schedules nothing; any other
// failure returns domain.ErrTransientSend and schedules a retry until
// MaxAttempts is reached.
func (m *Manager) Send(ctx context.Context, requestID int64) (*domain.DeletionRequest, error) {
	unlock := m.locks.Lock(requestID)
	defer unlock()

	r, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.StatusPending {
		return r, &domain.TransitionError{RequestID: r.ID, From: r.Status, To: domain.StatusSent}
	}

	to, err := m.recipient(r.BrokerID)
	if err != nil {
		return r, err
	}
	sender, err := m.mailboxes.Get(r.UserID)
	if err != nil {
		return r, err
	}

	r.SendAttempts++
	if err := m.store.UpdateRequest(ctx, r); err != nil {
		return r, fmt.Errorf("failed to record send attempt: %w", err)
	}

	log := m.log.WithFields(logrus.Fields{
		"user_id":    r.UserID,
		"broker_id":  r.BrokerID,
		"request_id": r.ID,
		"attempt":    r.SendAttempts,
	})

	receipt, sendErr := sender.Send(ctx, to, r.EmailSubject, r.EmailBody)

	// the outcome must be stored even if ctx was cancelled during the send
	persistCtx := context.WithoutCancel(ctx)
	now := m.now()

	if sendErr == nil {
		r.Status = domain.StatusSent
		r.SentAt = &now
		r.SentMessageID = receipt.MessageID
		r.ThreadID = receipt.ThreadID
		r.LastSendError = ""
		r.NextRetryAt = nil
		if err := m.store.UpdateRequest(persistCtx, r); err != nil {
			return r, fmt.Errorf("failed to record sent request: %w", err)
		}

		m.observeSend("sent")
		m.observeTransition(domain.StatusSent)
		entry := activity.Entry(r.UserID, domain.ActivityRequestSent, fmt.Sprintf("Sent deletion request to %s", r.BrokerName))
		entry.BrokerID = r.BrokerID
		entry.DeletionRequestID = &r.ID
		entry.Details = receipt.MessageID
		m.activity.Record(persistCtx, entry)
		log.Info("deletion request sent")
		return r, nil
	}

	r.LastSendError = sendErr.Error()
	var retErr error
	if errors.Is(sendErr, domain.ErrAuthorization) {
		r.NextRetryAt = nil
		retErr = sendErr
		m.observeSend("unauthorized")
	} else {
		if r.SendAttempts >= m.opts.MaxAttempts {
			r.NextRetryAt = nil
		} else {
			next := now.Add(m.opts.Backoff(r.SendAttempts))
			r.NextRetryAt = &next
		}
		retErr = sendErr
		if !errors.Is(sendErr, domain.ErrTransientSend) {
			retErr = fmt.Errorf("%w: %w", domain.ErrTransientSend, sendErr)
		}
		m.observeSend("failed")
	}

	if err := m.store.UpdateRequest(persistCtx, r); err != nil {
		log.WithError(err).Error("failed to record send failure")
	}

	entry := activity.Entry(r.UserID, domain.ActivitySendFailed, fmt.Sprintf("Failed to send deletion request to %s", r.BrokerName))
	entry.BrokerID = r.BrokerID
	entry.DeletionRequestID = &r.ID
	entry.Details = r.LastSendError
	m.activity.Record(persistCtx, entry)

	fields := logrus.Fields{}
	if r.NextRetryAt != nil {
		fields["next_retry_at"] = r.NextRetryAt.Format(time.RFC3339)
	}
	log.WithFields(fields).WithError(sendErr).Warn("deletion request send failed")

	return r, fmt.Errorf("send request %d: %w", r.ID, retErr)
}

func (m *Manager) recipient(brokerID string) (string, error) {
	if m.directory == nil {
		return "", fmt.Errorf("broker %s: %w", brokerID, domain.ErrNotFound)
	}
	b, ok := m.directory.Get(brokerID)
	if !ok {
		return "", fmt.Errorf("broker %s: %w", brokerID, domain.ErrNotFound)
	}
	if strings.TrimSpace(b.PrivacyEmail) == "" {
		return "", fmt.Errorf("broker %s: %w", brokerID, ErrNoRecipient)
	}
	return b.PrivacyEmail, nil
}

// legalResolution reports whether a reply may move a request from -> to.
func legalResolution(from, to domain.RequestStatus) bool {
	switch from {
	case domain.StatusSent:
		return to == domain.StatusConfirmed || to == domain.StatusRejected || to == domain.StatusActionRequired
	case domain.StatusActionRequired:
		return to == domain.StatusConfirmed || to == domain.StatusRejected
	}
	return false
}

// ApplyResponse moves a request to a reply-driven status. Re-applying the
// current resolved status is a no-op and reports changed=false.
func (m *Manager) ApplyResponse(ctx context.Context, requestID int64, target domain.RequestStatus, notes string) (r *domain.DeletionRequest, changed bool, err error) {
	unlock := m.locks.Lock(requestID)
	defer unlock()

	r, err = m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if r.Status == target && target.Resolved() {
		return r, false, nil
	}
	if !legalResolution(r.Status, target) {
		return r, false, &domain.TransitionError{RequestID: r.ID, From: r.Status, To: target}
	}

	from := r.Status
	now := m.now()
	r.Status = target
	switch target {
	case domain.StatusConfirmed:
		if r.ConfirmedAt == nil {
			r.ConfirmedAt = &now
		}
	case domain.StatusRejected:
		if r.RejectedAt == nil {
			r.RejectedAt = &now
		}
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		if r.Notes != "" {
			r.Notes += "\n"
		}
		r.Notes += notes
	}

	if err := m.store.UpdateRequest(ctx, r); err != nil {
		return r, false, fmt.Errorf("failed to update request status: %w", err)
	}

	m.observeTransition(target)
	entry := activity.Entry(r.UserID, domain.ActivityStatusChanged,
		fmt.Sprintf("%s request moved from %s to %s", r.BrokerName, from, target))
	entry.BrokerID = r.BrokerID
	entry.DeletionRequestID = &r.ID
	entry.Details = notes
	m.activity.Record(ctx, entry)

	m.log.WithFields(logrus.Fields{
		"request_id": r.ID,
		"from":       from,
		"to":         target,
	}).Info("deletion request status changed")
	return r, true, nil
}

func (m *Manager) Get(ctx context.Context, requestID int64) (*domain.DeletionRequest, error) {
	return m.store.GetRequest(ctx, requestID)
}

func (m *Manager) ListForUser(ctx context.Context, userID string) ([]domain.DeletionRequest, error) {
	return m.store.ListRequests(ctx, userID)
}

// DueForRetry returns the user's PENDING requests whose retry time has passed.
func (m *Manager) DueForRetry(ctx context.Context, userID string, now time.Time) ([]domain.DeletionRequest, error) {
	due, err := m.store.ListDueForRetry(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	out := due[:0]
	for _, r := range due {
		if r.SendAttempts < m.opts.MaxAttempts {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) observeSend(outcome string) {
	if m.metrics != nil {
		m.metrics.SendAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) observeTransition(to domain.RequestStatus) {
	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
}
