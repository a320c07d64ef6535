// Package mailbox binds each configured user to the transports that read and
// send mail on their behalf.
package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/email"
	"github.com/eraser-privacy/optout/internal/inbox"
)

// Provider is one user's mailbox.
type Provider interface {
	ListMessagesSince(ctx context.Context, since time.Time) ([]inbox.Email, error)
	Send(ctx context.Context, to, subject, body string) (email.Receipt, error)
}

type lister interface {
	ListMessagesSince(ctx context.Context, since time.Time) ([]inbox.Email, error)
}

// Mailbox reads over IMAP and sends with the user's outbound transport
// (SMTP, SendGrid or Resend).
type Mailbox struct {
	address string
	reader  lister
	sender  email.Sender
}

// New builds the mailbox of a configured user.
func New(user config.UserConfig, maxMessages int, log logrus.FieldLogger) (*Mailbox, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sender, err := email.NewSender(user.Outbound, user.SMTP)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", user.ID, err)
	}
	return &Mailbox{
		address: user.Email,
		reader:  inbox.NewMonitor(user.Inbox, maxMessages, log.WithField("user_id", user.ID)),
		sender:  sender,
	}, nil
}

// Transport names the outbound transport in use.
func (m *Mailbox) Transport() string { return m.sender.Name() }

func (m *Mailbox) ListMessagesSince(ctx context.Context, since time.Time) ([]inbox.Email, error) {
	return m.reader.ListMessagesSince(ctx, since)
}

func (m *Mailbox) Send(ctx context.Context, to, subject, body string) (email.Receipt, error) {
	return m.sender.Send(ctx, email.Message{
		To:      to,
		From:    m.address,
		Subject: subject,
		Body:    body,
	})
}

// Registry maps user ids to their mailbox.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// FromConfig registers a Mailbox for every configured user.
func FromConfig(cfg *config.Config, log logrus.FieldLogger) (*Registry, error) {
	r := NewRegistry()
	for _, u := range cfg.Users {
		m, err := New(u, cfg.Scan.MaxMessages, log)
		if err != nil {
			return nil, err
		}
		r.Register(u.ID, m)
	}
	return r, nil
}

func (r *Registry) Register(userID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[userID] = p
}

// Get returns the user's mailbox or domain.ErrNotFound.
func (r *Registry) Get(userID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[userID]
	if !ok {
		return nil, fmt.Errorf("mailbox for user %q: %w", userID, domain.ErrNotFound)
	}
	return p, nil
}

// Users returns the registered user ids in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
