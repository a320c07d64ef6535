package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/email"
	"github.com/eraser-privacy/optout/internal/inbox"
)

type recordingSender struct{ got email.Message }

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(_ context.Context, msg email.Message) (email.Receipt, error) {
	s.got = msg
	return email.Receipt{MessageID: "<id@example.com>", ThreadID: "id@example.com"}, nil
}

type staticLister []inbox.Email

func (l staticLister) ListMessagesSince(context.Context, time.Time) ([]inbox.Email, error) {
	return l, nil
}

func TestMailboxSendUsesUserAddress(t *testing.T) {
	sender := &recordingSender{}
	m := &Mailbox{address: "alice@example.com", reader: staticLister{{MessageID: "a"}}, sender: sender}

	receipt, err := m.Send(context.Background(), "privacy@spokeo.com", "subject", "body")
	require.NoError(t, err)
	assert.Equal(t, "id@example.com", receipt.ThreadID)
	assert.Equal(t, "alice@example.com", sender.got.From)
	assert.Equal(t, "privacy@spokeo.com", sender.got.To)

	msgs, err := m.ListMessagesSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{Users: []config.UserConfig{
		{ID: "bob", Email: "bob@example.com"},
		{ID: "alice", Email: "alice@example.com"},
	}}
	cfg.ApplyDefaults()

	r, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, r.Users())

	p, err := r.Get("alice")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = r.Get("carol")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFromConfigOutboundProvider(t *testing.T) {
	cfg := &config.Config{Users: []config.UserConfig{
		{ID: "alice", Email: "alice@example.com", Outbound: config.OutboundConfig{Provider: "resend", APIKey: "re_key"}},
	}}
	cfg.ApplyDefaults()

	r, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	p, err := r.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "resend", p.(*Mailbox).Transport())

	cfg.Users[0].Outbound.Provider = "pigeon"
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}
