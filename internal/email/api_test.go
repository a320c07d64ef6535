package email

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/resend/resend-go/v2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
)

func TestResendSendSetsMessageID(t *testing.T) {
	s := NewResendSender("re_test")
	var got *resend.SendEmailRequest
	s.send = func(_ context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
		got = req
		return &resend.SendEmailResponse{Id: "re-123"}, nil
	}

	receipt, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"privacy@spokeo.com"}, got.To)
	assert.Equal(t, receipt.MessageID, got.Headers["Message-ID"])
	assert.Equal(t, strings.Trim(receipt.MessageID, "<>"), receipt.ThreadID)
	assert.Equal(t, "re-123", receipt.ProviderID)
}

func TestResendErrorMapping(t *testing.T) {
	s := NewResendSender("re_test")

	s.send = func(context.Context, *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
		return nil, errors.New("[ERROR]: API key is invalid")
	}
	_, err := s.Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	s.send = func(context.Context, *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
		return nil, errors.New("connection reset by peer")
	}
	_, err = s.Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, domain.ErrTransientSend)
}

func TestSendGridStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, domain.ErrAuthorization},
		{403, domain.ErrAuthorization},
		{429, domain.ErrTransientSend},
		{500, domain.ErrTransientSend},
	}

	for _, tt := range tests {
		s := NewSendGridSender("SG.test")
		s.send = func(context.Context, *mail.SGMailV3) (*rest.Response, error) {
			return &rest.Response{StatusCode: tt.status}, nil
		}
		_, err := s.Send(context.Background(), testMessage())
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestSendGridSendSetsMessageID(t *testing.T) {
	s := NewSendGridSender("SG.test")
	var got *mail.SGMailV3
	s.send = func(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
		got = m
		return &rest.Response{StatusCode: 202, Headers: map[string][]string{"X-Message-Id": {"sg-1"}}}, nil
	}

	receipt, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, receipt.MessageID, got.Headers["Message-ID"])
	assert.Equal(t, "sg-1", receipt.ProviderID)
}

func TestNewSender(t *testing.T) {
	for provider, want := range map[string]string{"": "smtp", "smtp": "smtp", "sendgrid": "sendgrid", "resend": "resend"} {
		s, err := NewSender(config.OutboundConfig{Provider: provider, APIKey: "k"}, config.SMTPConfig{})
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
	_, err := NewSender(config.OutboundConfig{Provider: "fax"}, config.SMTPConfig{})
	assert.Error(t, err)
}
