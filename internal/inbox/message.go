package inbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const previewLength = 500

// Email represents a parsed inbound message
type Email struct {
	UID        uint32 // IMAP UID
	MessageID  string // bare Message-ID, without angle brackets
	InReplyTo  []string
	References []string
	From       string
	FromName   string // Sender display name (e.g., "Spokeo Privacy")
	FromDomain string
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
}

// ThreadID is the root of the conversation: the first References entry, then
// In-Reply-To, then the message's own id.
func (e *Email) ThreadID() string {
	if len(e.References) > 0 {
		return e.References[0]
	}
	if len(e.InReplyTo) > 0 {
		return e.InReplyTo[0]
	}
	return e.MessageID
}

// ThreadIDs returns every message id this email refers to, root first.
func (e *Email) ThreadIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range append(append([]string{e.ThreadID()}, e.References...), e.InReplyTo...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Text returns the plain-text body, falling back to the rendered HTML body.
func (e *Email) Text() string {
	if strings.TrimSpace(e.Body) != "" {
		return e.Body
	}
	return HTMLToText(e.HTMLBody)
}

// Preview returns at most n runes of the text body with whitespace collapsed.
func (e *Email) Preview(n int) string {
	if n <= 0 {
		n = previewLength
	}
	text := strings.TrimSpace(whitespaceRegex.ReplaceAllString(e.Text(), " "))
	r := []rune(text)
	if len(r) > n {
		return string(r[:n])
	}
	return text
}

// ReceivedSince reports whether e is at or after since. The bound is
// inclusive so a message sharing the watermark timestamp is fetched again;
// already-recorded messages are skipped by message ID.
func (e *Email) ReceivedSince(since time.Time) bool {
	return !e.ReceivedAt.Before(since)
}

// ParseMessage reads a full RFC 5322 message.
func ParseMessage(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &Email{}
	h := mr.Header

	if id, err := h.MessageID(); err == nil {
		email.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
		email.InReplyTo = ids
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		email.References = ids
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		email.ReceivedAt = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
		email.FromName = from[0].Name
		if at := strings.LastIndex(from[0].Address, "@"); at >= 0 {
			email.FromDomain = strings.ToLower(from[0].Address[at+1:])
		}
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// keep whatever was decoded so far
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(p.Body)

			if strings.HasPrefix(ct, "text/plain") && email.Body == "" {
				email.Body = string(body)
			} else if strings.HasPrefix(ct, "text/html") && email.HTMLBody == "" {
				email.HTMLBody = string(body)
			}
		}
	}

	return email, nil
}
