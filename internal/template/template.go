package template

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// DefaultFramework is used when a request names no legal framework.
const DefaultFramework = "GDPR/CCPA"

const deadlineDays = 30

// EmailData contains all data available to the deletion template
type EmailData struct {
	Email      string
	BrokerName string
	Framework  string
	GDPR       bool

	// Metadata
	Date         string
	Deadline     string
	DeadlineDays int
}

// Engine renders deletion request emails
type Engine struct {
	templates map[string]*template.Template
	now       func() time.Time
}

// NewEngine parses the embedded templates. A nil now uses time.Now.
func NewEngine(now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		templates: make(map[string]*template.Template),
		now:       now,
	}

	for _, name := range []string{"deletion"} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[name] = tmpl
	}

	return e, nil
}

// Generate renders the subject and body of a deletion request. Any framework
// mentioning GDPR cites Article 17; everything else cites the CCPA.
func (e *Engine) Generate(userEmail, brokerName, framework string) (string, string, error) {
	if strings.TrimSpace(userEmail) == "" {
		return "", "", fmt.Errorf("user email is required")
	}
	if strings.TrimSpace(brokerName) == "" {
		return "", "", fmt.Errorf("broker name is required")
	}
	framework = strings.TrimSpace(framework)
	if framework == "" {
		framework = DefaultFramework
	}

	now := e.now()
	data := EmailData{
		Email:        userEmail,
		BrokerName:   brokerName,
		Framework:    framework,
		GDPR:         strings.Contains(strings.ToUpper(framework), "GDPR"),
		Date:         now.Format("January 2, 2006"),
		Deadline:     now.AddDate(0, 0, deadlineDays).Format("January 02, 2006"),
		DeadlineDays: deadlineDays,
	}

	var buf bytes.Buffer
	if err := e.templates["deletion"].Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render template: %w", err)
	}

	return Subject(framework), buf.String(), nil
}

// Subject returns the outbound subject line for framework.
func Subject(framework string) string {
	return fmt.Sprintf("Data Deletion Request under %s", framework)
}
