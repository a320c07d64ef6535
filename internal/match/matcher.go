// Package match binds a classified broker reply to the outstanding deletion
// request it answers and proposes the resulting status.
package match

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/eraser-privacy/optout/internal/broker"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/inbox"
)

// Signals in precedence order.
const (
	SignalThreadID      = "thread_id"
	SignalDomainSubject = "domain_subject"
	SignalDomain        = "domain"
)

var (
	replyPrefixRegex = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw|wg)\s*(\[\d+\])?\s*:\s*)+`)
	spaceRegex       = regexp.MustCompile(`\s+`)
)

// transitions maps a response type to the request status it drives.
// Types absent from the table never change a request.
var transitions = map[domain.ResponseType]domain.RequestStatus{
	domain.ResponseConfirmation:   domain.StatusConfirmed,
	domain.ResponseRejection:      domain.StatusRejected,
	domain.ResponseActionRequired: domain.StatusActionRequired,
}

// TargetStatus returns the status a response of type t moves its request to.
func TargetStatus(t domain.ResponseType) (domain.RequestStatus, bool) {
	s, ok := transitions[t]
	return s, ok
}

// NormalizeSubject strips reply/forward prefixes, lowercases and collapses whitespace.
func NormalizeSubject(subject string) string {
	s := replyPrefixRegex.ReplaceAllString(subject, "")
	s = spaceRegex.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(s)
}

// Inbound is the part of a reply the matcher looks at.
type Inbound struct {
	ThreadIDs    []string // root first
	SenderDomain string
	Subject      string
}

func InboundFromEmail(e *inbox.Email) Inbound {
	d := e.FromDomain
	if d == "" {
		d = broker.DomainOf(e.From)
	}
	return Inbound{ThreadIDs: e.ThreadIDs(), SenderDomain: d, Subject: e.Subject}
}

// Proposal is the matcher's verdict for one reply. Request is nil when no
// outstanding request matched. HasTarget is false when the reply must not
// change the request.
type Proposal struct {
	Request   *domain.DeletionRequest
	MatchedBy string
	Target    domain.RequestStatus
	HasTarget bool
}

func (p Proposal) Matched() bool { return p.Request != nil }

type Matcher struct {
	snap *broker.Snapshot
}

// New returns a matcher resolving broker domains against snap.
func New(snap *broker.Snapshot) *Matcher {
	return &Matcher{snap: snap}
}

// Propose matches the reply and looks up the transition for its type.
func (m *Matcher) Propose(in Inbound, typ domain.ResponseType, candidates []domain.DeletionRequest) Proposal {
	req, signal := m.Match(in, candidates)
	if req == nil {
		return Proposal{}
	}
	p := Proposal{Request: req, MatchedBy: signal}
	p.Target, p.HasTarget = TargetStatus(typ)
	return p
}

// Match returns the request the reply answers and the signal that matched.
// Only sent, non-terminal candidates take part. Within a signal the most
// recently sent request wins, then the lowest id.
func (m *Matcher) Match(in Inbound, candidates []domain.DeletionRequest) (*domain.DeletionRequest, string) {
	eligible := make([]*domain.DeletionRequest, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.Status == domain.StatusSent || c.Status == domain.StatusActionRequired {
			eligible = append(eligible, c)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := sentAt(eligible[i]), sentAt(eligible[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return eligible[i].ID < eligible[j].ID
	})

	threadIDs := make(map[string]bool, len(in.ThreadIDs))
	for _, id := range in.ThreadIDs {
		threadIDs[strings.Trim(id, "<> ")] = true
	}
	for _, c := range eligible {
		if c.ThreadID != "" && threadIDs[strings.Trim(c.ThreadID, "<> ")] {
			return c, SignalThreadID
		}
	}

	subject := NormalizeSubject(in.Subject)
	var domainOnly *domain.DeletionRequest
	for _, c := range eligible {
		if !m.ownsSender(c.BrokerID, in.SenderDomain) {
			continue
		}
		if marker := NormalizeSubject(c.EmailSubject); marker != "" && strings.Contains(subject, marker) {
			return c, SignalDomainSubject
		}
		if domainOnly == nil {
			domainOnly = c
		}
	}
	if domainOnly != nil {
		return domainOnly, SignalDomain
	}
	return nil, ""
}

func (m *Matcher) ownsSender(brokerID, senderDomain string) bool {
	if m.snap == nil || senderDomain == "" {
		return false
	}
	b, ok := m.snap.Get(brokerID)
	return ok && broker.OwnsDomain(b, senderDomain)
}

func sentAt(r *domain.DeletionRequest) time.Time {
	if r.SentAt == nil {
		return time.Time{}
	}
	return *r.SentAt
}
