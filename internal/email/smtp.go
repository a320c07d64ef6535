package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
)

type SMTPSender struct {
	config config.SMTPConfig
	// deliver is swapped in tests
	deliver func(ctx context.Context, from, to string, msg []byte) error
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	s := &SMTPSender{config: cfg}
	s.deliver = s.send
	return s
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send delivers msg and returns the generated Message-ID. Authentication
// failures wrap domain.ErrAuthorization, everything else domain.ErrTransientSend.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := validateMessage(msg); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrTransientSend, err)
	}

	messageID := NewMessageID(msg.From)
	raw := buildMessage(msg, messageID, time.Now())

	if err := s.deliver(ctx, msg.From, msg.To, raw); err != nil {
		return Receipt{}, classifySMTPError(err)
	}

	return Receipt{
		MessageID: messageID,
		ThreadID:  strings.Trim(messageID, "<>"),
	}, nil
}

// NewMessageID returns a globally unique RFC 5322 Message-ID in the sender's domain.
func NewMessageID(from string) string {
	host := "optout.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		host = strings.Trim(from[at+1:], "> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

func buildMessage(msg Message, messageID string, date time.Time) []byte {
	var message strings.Builder
	message.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	message.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	message.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))
	message.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	message.WriteString("\r\n")
	message.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(message.String())
}

type authError struct{ err error }

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

func classifySMTPError(err error) error {
	var ae *authError
	if errors.As(err, &ae) {
		return fmt.Errorf("%w: SMTP authentication failed", domain.ErrAuthorization)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && (tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535) {
		return fmt.Errorf("%w: SMTP authentication failed", domain.ErrAuthorization)
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "certificate") {
		return fmt.Errorf("%w: TLS certificate error", domain.ErrTransientSend)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrTransientSend, err)
	}
	return fmt.Errorf("%w: SMTP error: %v", domain.ErrTransientSend, err)
}

func (s *SMTPSender) send(ctx context.Context, from, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var conn net.Conn
	var err error
	if s.config.UseTLS {
		d := &tls.Dialer{Config: &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		if s.config.Username != "" {
			return &authError{fmt.Errorf("SMTP auth requires TLS")}
		}
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return &authError{fmt.Errorf("authentication failed: %w", err)}
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("sender rejected: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("recipient rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("message write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message finalization failed: %w", err)
	}
	return client.Quit()
}
