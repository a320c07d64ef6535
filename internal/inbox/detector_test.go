package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/optout/internal/broker"
)

func testSnapshot() *broker.Snapshot {
	db := &broker.BrokerDatabase{Brokers: []broker.Broker{
		{ID: "spokeo", Name: "Spokeo", Domains: []string{"spokeo.com"}, PrivacyEmail: "privacy@spokeo.com"},
		{ID: "acxiom", Name: "Acxiom", Domains: []string{"acxiom.com"}, PrivacyEmail: "consumeradvo@acxiomprivacy.com"},
		{ID: "alpha", Name: "Alpha Data", Domains: []string{"data.com"}},
		{ID: "zeta", Name: "Zeta Data", Domains: []string{"bigdata.com"}},
		{ID: "shared-b", Name: "Shared B", Domains: []string{"shared.com"}},
		{ID: "shared-a", Name: "Shared A", Domains: []string{"shared.com"}},
	}}
	return db.Snapshot()
}

func TestDetectDomainMatches(t *testing.T) {
	snap := testSnapshot()
	d := NewDetector(DefaultDetectorOptions())

	tests := []struct {
		name       string
		in         DetectInput
		wantBroker string
		wantMatch  string
		wantConf   float64
	}{
		{"exact domain", DetectInput{SenderEmail: "support@spokeo.com", SenderDomain: "spokeo.com"}, "spokeo", MatchExact, 1.0},
		{"exact privacy email domain", DetectInput{SenderEmail: "consumeradvo@acxiomprivacy.com"}, "acxiom", MatchExact, 1.0},
		{"partial subdomain", DetectInput{SenderDomain: "email.spokeo.com"}, "spokeo", MatchPartial, 0.8},
		{"longest partial wins over id order", DetectInput{SenderDomain: "news.bigdata.com"}, "zeta", MatchPartial, 0.8},
		{"shared exact domain goes to lowest id", DetectInput{SenderDomain: "shared.com"}, "shared-a", MatchExact, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(snap, tt.in)
			assert.True(t, got.IsBroker)
			assert.Equal(t, tt.wantBroker, got.BrokerID())
			assert.Equal(t, tt.wantMatch, got.MatchType)
			assert.Equal(t, tt.wantConf, got.Confidence)
		})
	}
}

func TestDetectKeywords(t *testing.T) {
	snap := testSnapshot()
	d := NewDetector(DefaultDetectorOptions())

	t.Run("capped at keyword cap", func(t *testing.T) {
		got := d.Detect(snap, DetectInput{
			SenderEmail: "news@randomsite.org",
			Subject:     "Your listing on a people search site",
			Body:        "Opt out of our data broker list",
		})
		assert.True(t, got.IsBroker)
		assert.Equal(t, 0.7, got.Confidence)
		assert.Equal(t, MatchKeyword, got.MatchType)
		assert.Empty(t, got.BrokerID())
	})

	t.Run("threshold is inclusive", func(t *testing.T) {
		got := d.Detect(snap, DetectInput{
			SenderEmail: "info@example.net",
			Body:        "We are a data broker. Opt out here.",
		})
		assert.Equal(t, 0.5, got.Confidence)
		assert.True(t, got.IsBroker)
	})

	t.Run("weak signal is not a broker", func(t *testing.T) {
		got := d.Detect(snap, DetectInput{
			SenderEmail: "news@shop.example",
			Subject:     "Update your marketing preferences",
			Body:        "unsubscribe",
		})
		assert.False(t, got.IsBroker)
		assert.InDelta(t, 0.1, got.Confidence, 1e-9)
	})

	t.Run("name mention links broker below threshold", func(t *testing.T) {
		got := d.Detect(snap, DetectInput{
			SenderEmail: "friend@gmail.com",
			Subject:     "Spokeo has your profile",
		})
		assert.False(t, got.IsBroker)
		assert.Equal(t, "spokeo", got.BrokerID())
		assert.InDelta(t, 0.3, got.Confidence, 1e-9)
	})

	t.Run("nothing", func(t *testing.T) {
		got := d.Detect(snap, DetectInput{SenderEmail: "mom@example.org", Subject: "Dinner"})
		assert.False(t, got.IsBroker)
		assert.Zero(t, got.Confidence)
		assert.Equal(t, MatchNone, got.MatchType)
	})
}

func TestDetectThresholdBoundary(t *testing.T) {
	snap := testSnapshot()
	in := DetectInput{SenderDomain: "mail.spokeo.com"}

	opts := DefaultDetectorOptions()
	opts.Threshold = 0.8
	got := NewDetector(opts).Detect(snap, in)
	assert.True(t, got.IsBroker, "confidence equal to threshold passes")

	opts.Threshold = 0.81
	got = NewDetector(opts).Detect(snap, in)
	assert.False(t, got.IsBroker)
	require.NotNil(t, got.Broker, "broker stays linked below threshold")
	assert.Equal(t, "spokeo", got.Broker.ID)
}

func TestDetectIsDeterministic(t *testing.T) {
	snap := testSnapshot()
	d := NewDetector(DefaultDetectorOptions())
	in := DetectInput{SenderDomain: "x.bigdata.com", Subject: "opt out"}

	first := d.Detect(snap, in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, d.Detect(snap, in))
	}
}
