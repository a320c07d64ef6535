package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
}

func TestGenerate(t *testing.T) {
	e, err := NewEngine(fixedNow)
	require.NoError(t, err)

	tests := []struct {
		name        string
		framework   string
		wantSubject string
		wantLegal   string
	}{
		{"gdpr", "GDPR", "Data Deletion Request under GDPR", "Article 17"},
		{"ccpa", "CCPA", "Data Deletion Request under CCPA", "California Consumer Privacy Act"},
		{"default", "", "Data Deletion Request under GDPR/CCPA", "Article 17"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, body, err := e.Generate("alice@example.com", "Spokeo", tt.framework)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, subject)
			assert.Contains(t, body, "Dear Spokeo Privacy Team,")
			assert.Contains(t, body, tt.wantLegal)
			assert.Contains(t, body, "- Email: alice@example.com")
			assert.Contains(t, body, "Deadline for completion: March 31, 2026")
		})
	}
}

func TestGenerateRequiresInputs(t *testing.T) {
	e, err := NewEngine(fixedNow)
	require.NoError(t, err)

	_, _, err = e.Generate("", "Spokeo", "GDPR")
	assert.Error(t, err)
	_, _, err = e.Generate("alice@example.com", " ", "GDPR")
	assert.Error(t, err)
}
