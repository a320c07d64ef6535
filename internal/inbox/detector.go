package inbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/eraser-privacy/optout/internal/broker"
)

// Match types reported in Detection.MatchType
const (
	MatchExact   = "exact_domain"
	MatchPartial = "partial_domain"
	MatchKeyword = "keyword"
	MatchNone    = "none"
)

// DetectorOptions hold the confidence assigned to each kind of evidence.
type DetectorOptions struct {
	Threshold              float64
	ExactMatchConfidence   float64
	PartialMatchConfidence float64
	KeywordConfidenceCap   float64
}

// DefaultDetectorOptions returns the stock thresholds.
func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		Threshold:              0.5,
		ExactMatchConfidence:   1.0,
		PartialMatchConfidence: 0.8,
		KeywordConfidenceCap:   0.7,
	}
}

// DetectInput is the part of an email the detector looks at
type DetectInput struct {
	SenderEmail  string
	SenderDomain string
	Subject      string
	Body         string
}

// InputFromEmail builds a DetectInput from a parsed message.
func InputFromEmail(e *Email) DetectInput {
	return DetectInput{
		SenderEmail:  e.From,
		SenderDomain: e.FromDomain,
		Subject:      e.Subject,
		Body:         e.Preview(2000),
	}
}

// Detection is the verdict for one email
type Detection struct {
	IsBroker   bool
	Confidence float64
	Broker     *broker.Broker // may be set even when IsBroker is false
	MatchType  string
	Notes      string
}

// BrokerID returns the linked broker id, or "".
func (d Detection) BrokerID() string {
	if d.Broker == nil {
		return ""
	}
	return d.Broker.ID
}

// keyword weights are in hundredths of confidence
type keyword struct {
	phrase string
	weight int
}

var brokerKeywords = []keyword{
	{"data broker", 30},
	{"people search", 25},
	{"do not sell", 25},
	{"opt-out", 20},
	{"opt out", 20},
	{"background check", 20},
	{"public records", 20},
	{"privacy request", 20},
	{"data deletion", 20},
	{"removal request", 20},
	{"ccpa", 20},
	{"gdpr", 20},
	{"personal information", 15},
	{"data subject", 15},
	{"your listing", 15},
	{"your profile", 10},
	{"unsubscribe", 5},
	{"marketing preferences", 5},
}

var privacyLocalParts = map[string]int{
	"privacy":        15,
	"optout":         15,
	"opt-out":        15,
	"dataprotection": 15,
	"dpo":            15,
	"compliance":     10,
	"legal":          5,
}

const brokerNameWeight = 20

// Detector decides whether an email comes from a data broker.
// It holds no state between calls.
type Detector struct {
	opts DetectorOptions
}

func NewDetector(opts DetectorOptions) *Detector {
	return &Detector{opts: opts}
}

// Detect scores in against the brokers in snap. Exact domain matches beat
// partial ones; keywords are only consulted when no domain matched.
func (d *Detector) Detect(snap *broker.Snapshot, in DetectInput) Detection {
	domain := strings.ToLower(strings.TrimSpace(in.SenderDomain))
	if domain == "" {
		domain = broker.DomainOf(in.SenderEmail)
	}

	res := Detection{MatchType: MatchNone}
	if snap != nil && domain != "" {
		if b, ok := exactMatch(snap, domain); ok {
			res.Broker = &b
			res.MatchType = MatchExact
			res.Confidence = d.opts.ExactMatchConfidence
			res.Notes = fmt.Sprintf("sender domain %s is a known domain of %s", domain, b.Name)
		} else if b, matched, ok := partialMatch(snap, domain); ok {
			res.Broker = &b
			res.MatchType = MatchPartial
			res.Confidence = d.opts.PartialMatchConfidence
			res.Notes = fmt.Sprintf("sender domain %s contains %s (%s)", domain, matched, b.Name)
		}
	}

	if res.Broker == nil {
		res = d.keywordScore(snap, in)
	}

	res.IsBroker = res.Confidence >= d.opts.Threshold
	if !res.IsBroker && res.MatchType != MatchNone {
		res.Notes += fmt.Sprintf("; below threshold %.2f", d.opts.Threshold)
	}
	return res
}

func exactMatch(snap *broker.Snapshot, domain string) (broker.Broker, bool) {
	if owners := snap.ByDomain(domain); len(owners) > 0 {
		return owners[0], true
	}
	return broker.Broker{}, false
}

// partialMatch returns the broker owning the longest domain contained in
// senderDomain, lowest broker id first on equal length.
func partialMatch(snap *broker.Snapshot, senderDomain string) (broker.Broker, string, bool) {
	type candidate struct {
		b      broker.Broker
		domain string
	}
	var found []candidate
	for _, d := range snap.Domains() {
		if !strings.Contains(senderDomain, d) {
			continue
		}
		for _, b := range snap.ByDomain(d) {
			found = append(found, candidate{b, d})
		}
	}
	if len(found) == 0 {
		return broker.Broker{}, "", false
	}
	sort.SliceStable(found, func(i, j int) bool {
		if len(found[i].domain) != len(found[j].domain) {
			return len(found[i].domain) > len(found[j].domain)
		}
		return found[i].b.ID < found[j].b.ID
	})
	return found[0].b, found[0].domain, true
}

func (d *Detector) keywordScore(snap *broker.Snapshot, in DetectInput) Detection {
	text := strings.ToLower(in.Subject + "\n" + in.Body)

	points := 0
	var hits []string
	for _, kw := range brokerKeywords {
		if strings.Contains(text, kw.phrase) {
			points += kw.weight
			hits = append(hits, kw.phrase)
		}
	}

	if at := strings.LastIndex(in.SenderEmail, "@"); at > 0 {
		local := strings.ToLower(in.SenderEmail[:at])
		if i := strings.LastIndex(local, "<"); i >= 0 {
			local = local[i+1:]
		}
		if w, ok := privacyLocalParts[local]; ok {
			points += w
			hits = append(hits, "sender "+local+"@")
		}
	}

	res := Detection{MatchType: MatchNone}
	if b, ok := mentionedBroker(snap, text); ok {
		points += brokerNameWeight
		hits = append(hits, "broker name "+b.Name)
		res.Broker = &b
	}

	if points == 0 {
		res.Notes = "no broker domain or keywords found"
		return res
	}

	capPoints := int(d.opts.KeywordConfidenceCap*100 + 0.5)
	if points > capPoints {
		points = capPoints
	}
	res.MatchType = MatchKeyword
	res.Confidence = float64(points) / 100
	res.Notes = "keywords: " + strings.Join(hits, ", ")
	return res
}

// mentionedBroker finds a broker whose name appears as a whole word in text,
// preferring the longest name, then the lowest id.
func mentionedBroker(snap *broker.Snapshot, text string) (broker.Broker, bool) {
	if snap == nil {
		return broker.Broker{}, false
	}
	var best broker.Broker
	bestLen, found := 0, false
	for _, b := range snap.Brokers() {
		name := strings.ToLower(strings.TrimSpace(b.Name))
		if len(name) < 4 {
			continue
		}
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		if !re.MatchString(text) {
			continue
		}
		if !found || len(name) > bestLen {
			best, bestLen, found = b, len(name), true
		}
	}
	return best, found
}
