package inbox

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/config"
)

const (
	fetchBatchSize = 50
	dialTimeout    = 30 * time.Second
)

// Monitor reads messages from one IMAP mailbox
type Monitor struct {
	config      config.InboxConfig
	client      *client.Client
	maxMessages int
	log         logrus.FieldLogger
}

// NewMonitor creates a new inbox monitor. maxMessages caps one listing; 0 means no cap.
func NewMonitor(cfg config.InboxConfig, maxMessages int, log logrus.FieldLogger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		config:      cfg,
		maxMessages: maxMessages,
		log:         log.WithField("mailbox", cfg.Username),
	}
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	m.log.Debugf("Connecting to IMAP server %s...", addr)

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: dialTimeout}, addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if err := ctx.Err(); err != nil {
		c.Logout()
		return err
	}

	if err := c.Login(m.config.Username, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.log.Debug("IMAP login successful")
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client == nil {
		return nil
	}
	err := m.client.Logout()
	m.client = nil
	return err
}

// ListMessagesSince connects, returns every message received at or after
// since (oldest first), and disconnects.
func (m *Monitor) ListMessagesSince(ctx context.Context, since time.Time) ([]Email, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	defer m.Disconnect()

	// go-imap v1 has no context support; drop the connection on cancel
	stop := context.AfterFunc(ctx, func() {
		if c := m.client; c != nil {
			c.Terminate()
		}
	})
	defer stop()

	emails, err := m.FetchSince(ctx, since)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return emails, err
}

// FetchSince fetches messages received at or after since from the configured folder
func (m *Monitor) FetchSince(ctx context.Context, since time.Time) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := m.client.Select(m.config.Folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}
	m.log.Debugf("Mailbox %s has %d messages", m.config.Folder, mbox.Messages)

	if mbox.Messages == 0 {
		return nil, nil
	}

	// SINCE has day granularity; exact filtering happens after parsing
	criteria := imap.NewSearchCriteria()
	criteria.Since = since.AddDate(0, 0, -1)

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	m.log.Debugf("Found %d candidate emails since %s", len(uids), criteria.Since.Format("2006-01-02"))

	var emails []Email
	for i := 0; i < len(uids); i += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := i + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}

		batch, err := m.fetchBatch(uids[i:end])
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			if e.ReceivedSince(since) {
				emails = append(emails, e)
			}
		}
	}

	sort.SliceStable(emails, func(i, j int) bool {
		if !emails[i].ReceivedAt.Equal(emails[j].ReceivedAt) {
			return emails[i].ReceivedAt.Before(emails[j].ReceivedAt)
		}
		return emails[i].UID < emails[j].UID
	})
	if m.maxMessages > 0 && len(emails) > m.maxMessages {
		emails = emails[:m.maxMessages]
	}
	return emails, nil
}

func (m *Monitor) fetchBatch(uids []uint32) ([]Email, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var emails []Email
	for msg := range messages {
		email, err := m.parseMessage(msg, section)
		if err != nil {
			m.log.WithError(err).Warn("failed to parse message")
			continue
		}
		if email != nil {
			emails = append(emails, *email)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return emails, nil
}

// parseMessage converts an IMAP message to our Email struct
func (m *Monitor) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Email, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, nil
	}

	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("message %d has no body", msg.Uid)
	}

	email, err := ParseMessage(r)
	if err != nil {
		return nil, err
	}
	email.UID = msg.Uid

	if email.MessageID == "" {
		email.MessageID = trimMsgID(msg.Envelope.MessageId)
	}
	if email.MessageID == "" {
		email.MessageID = fmt.Sprintf("uid-%d@%s", msg.Uid, m.config.Server)
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = msg.Envelope.Date
	}
	if !msg.InternalDate.IsZero() {
		email.ReceivedAt = msg.InternalDate
	}
	if email.From == "" && len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		email.From = from.Address()
		email.FromName = from.PersonalName
		email.FromDomain = strings.ToLower(from.HostName)
	}
	return email, nil
}

func trimMsgID(id string) string {
	return strings.Trim(id, "<> ")
}
