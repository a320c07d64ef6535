package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/eraser-privacy/optout/internal/domain"
)

// ResendSender delivers through the Resend HTTP API.
type ResendSender struct {
	send func(ctx context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

func NewResendSender(apiKey string) *ResendSender {
	client := resend.NewClient(apiKey)
	return &ResendSender{send: client.Emails.SendWithContext}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := validateMessage(msg); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrTransientSend, err)
	}

	messageID := NewMessageID(msg.From)
	resp, err := s.send(ctx, &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
		Headers: map[string]string{"Message-ID": messageID},
	})
	if err != nil {
		return Receipt{}, classifyAPIError("resend", 0, err)
	}

	r := Receipt{MessageID: messageID, ThreadID: strings.Trim(messageID, "<>")}
	if resp != nil && resp.Id != "" {
		r.ProviderID = resp.Id
	}
	return r, nil
}

// classifyAPIError maps an HTTP API failure to the send error taxonomy. status
// is zero when the client library only surfaced an error value.
func classifyAPIError(provider string, status int, err error) error {
	if status == 401 || status == 403 {
		return fmt.Errorf("%w: %s rejected the API key", domain.ErrAuthorization, provider)
	}
	if err != nil {
		s := strings.ToLower(err.Error())
		for _, marker := range []string{"api key", "unauthorized", "forbidden", "401", "403"} {
			if strings.Contains(s, marker) {
				return fmt.Errorf("%w: %s rejected the API key", domain.ErrAuthorization, provider)
			}
		}
		return fmt.Errorf("%w: %s error: %v", domain.ErrTransientSend, provider, err)
	}
	return fmt.Errorf("%w: %s returned status %d", domain.ErrTransientSend, provider, status)
}
