package inbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawReply = "From: Spokeo Privacy <Privacy@Spokeo.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Re: Data Deletion Request under GDPR\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"Message-ID: <reply-1@spokeo.com>\r\n" +
	"In-Reply-To: <orig-42@example.com>\r\n" +
	"References: <orig-42@example.com> <ticket-7@spokeo.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"We have deleted your information.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>We have <b>deleted</b> your information.</p>\r\n" +
	"--XYZ--\r\n"

func TestParseMessage(t *testing.T) {
	email, err := ParseMessage(strings.NewReader(rawReply))
	require.NoError(t, err)

	assert.Equal(t, "reply-1@spokeo.com", email.MessageID)
	assert.Equal(t, []string{"orig-42@example.com"}, email.InReplyTo)
	assert.Equal(t, []string{"orig-42@example.com", "ticket-7@spokeo.com"}, email.References)
	assert.Equal(t, "Privacy@Spokeo.com", email.From)
	assert.Equal(t, "Spokeo Privacy", email.FromName)
	assert.Equal(t, "spokeo.com", email.FromDomain)
	assert.Equal(t, "Re: Data Deletion Request under GDPR", email.Subject)
	assert.True(t, email.ReceivedAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, email.Body, "We have deleted your information.")
	assert.Contains(t, email.HTMLBody, "<b>deleted</b>")

	assert.Equal(t, "orig-42@example.com", email.ThreadID())
	assert.Equal(t, []string{"orig-42@example.com", "ticket-7@spokeo.com"}, email.ThreadIDs())
}

func TestThreadIDFallbacks(t *testing.T) {
	e := &Email{MessageID: "own@x", InReplyTo: []string{"parent@x"}}
	assert.Equal(t, "parent@x", e.ThreadID())

	e = &Email{MessageID: "own@x"}
	assert.Equal(t, "own@x", e.ThreadID())
	assert.Equal(t, []string{"own@x"}, e.ThreadIDs())
}

func TestTextFallsBackToHTML(t *testing.T) {
	e := &Email{HTMLBody: "<html><head><style>p{}</style></head><body><p>Hello</p><p>world</p><script>x()</script></body></html>"}
	assert.Equal(t, "Hello world", e.Text())

	long := &Email{Body: strings.Repeat("ab ", 10)}
	assert.Equal(t, "ab ab", long.Preview(5))
}

func TestReceivedSinceIsInclusive(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	e := &Email{ReceivedAt: at}

	assert.True(t, e.ReceivedSince(at))
	assert.True(t, e.ReceivedSince(at.Add(-time.Second)))
	assert.False(t, e.ReceivedSince(at.Add(time.Nanosecond)))
}
