package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/eraser-privacy/optout/internal/config"
)

type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Receipt identifies a delivered message. ThreadID is the bare Message-ID that
// replies will carry in In-Reply-To / References.
type Receipt struct {
	MessageID string
	ThreadID  string
	// ProviderID is the API provider's own id, empty for SMTP
	ProviderID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
	Name() string
}

// NewSender returns the outbound transport a user is configured for.
func NewSender(out config.OutboundConfig, smtp config.SMTPConfig) (Sender, error) {
	switch out.Provider {
	case "", "smtp":
		return NewSMTPSender(smtp), nil
	case "sendgrid":
		return NewSendGridSender(out.APIKey), nil
	case "resend":
		return NewResendSender(out.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", out.Provider)
	}
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	return nil
}
