package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractLinks(t *testing.T) {
	email := &Email{
		Body: "Opt out at https://www.example-broker.com/opt-out. Read https://www.example-broker.com/privacy-policy",
		HTMLBody: `<a href="https://www.example-broker.com/confirm?token=abc">Confirm</a>
			<img src="https://t.example.com/open.gif">
			<a href="https://www.example-broker.com/unsubscribe">Unsubscribe</a>
			<a href="mailto:privacy@example-broker.com">mail us</a>`,
	}

	links := ExtractLinks(email)
	assert.Contains(t, links.Forms, "https://www.example-broker.com/opt-out")
	assert.NotContains(t, links.Forms, "https://www.example-broker.com/privacy-policy")
	assert.Contains(t, links.Confirmations, "https://www.example-broker.com/confirm?token=abc")
	assert.Contains(t, links.Unsubscribe, "https://www.example-broker.com/unsubscribe")
	assert.NotContains(t, links.All, "mailto:privacy@example-broker.com")
	assert.True(t, links.Actionable())

	assert.Equal(t, "https://www.example-broker.com/confirm?token=abc", links.ActionURL("example-broker.com"))
	assert.Equal(t, "https://www.example-broker.com/opt-out", links.BestForm("example-broker.com"))
}

func TestBestFormPrefersBrokerDomain(t *testing.T) {
	links := Links{Forms: []string{
		"https://other.example/ccpa-request",
		"https://spokeo.com/optout",
	}}
	assert.Equal(t, "https://spokeo.com/optout", links.BestForm("spokeo.com"))
	assert.Equal(t, "https://other.example/ccpa-request", links.BestForm(""))
}

func TestActionURLEmpty(t *testing.T) {
	links := ExtractLinks(&Email{Body: "no links here"})
	assert.False(t, links.Actionable())
	assert.Empty(t, links.ActionURL(""))
	assert.Empty(t, ExtractLinks(nil).All)
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "", HTMLToText("  "))
	assert.Equal(t, "Line one Line two", HTMLToText("<div>Line one</div><div>Line two</div>"))
}
