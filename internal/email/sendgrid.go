package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/eraser-privacy/optout/internal/domain"
)

// SendGridSender delivers through the SendGrid v3 mail API.
type SendGridSender struct {
	send func(ctx context.Context, m *mail.SGMailV3) (*rest.Response, error)
}

func NewSendGridSender(apiKey string) *SendGridSender {
	client := sendgrid.NewSendClient(apiKey)
	return &SendGridSender{send: client.SendWithContext}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

func (s *SendGridSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := validateMessage(msg); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrTransientSend, err)
	}

	messageID := NewMessageID(msg.From)
	m := mail.NewSingleEmail(mail.NewEmail("", msg.From), msg.Subject, mail.NewEmail("", msg.To), msg.Body, "")
	m.SetHeader("Message-ID", messageID)

	resp, err := s.send(ctx, m)
	if err != nil {
		return Receipt{}, classifyAPIError("sendgrid", 0, err)
	}
	if resp.StatusCode >= 300 {
		return Receipt{}, classifyAPIError("sendgrid", resp.StatusCode, nil)
	}

	r := Receipt{MessageID: messageID, ThreadID: strings.Trim(messageID, "<>")}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		r.ProviderID = ids[0]
	}
	return r, nil
}
