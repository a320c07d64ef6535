package broker

import (
	"sort"
	"strings"
)

// Snapshot is an immutable, indexed view of the directory taken once per scan.
// It is safe for concurrent use.
type Snapshot struct {
	brokers []Broker
	byID    map[string]int
	// domain -> indexes into brokers, sorted by broker id
	byDomain map[string][]int
	domains  []string // sorted longest first, then lexically
}

// Snapshot copies the database into a read-only index.
func (db *BrokerDatabase) Snapshot() *Snapshot {
	brokers := make([]Broker, len(db.Brokers))
	for i, b := range db.Brokers {
		b.Domains = append([]string(nil), b.Domains...)
		brokers[i] = b
	}
	sort.Slice(brokers, func(i, j int) bool { return brokers[i].ID < brokers[j].ID })

	s := &Snapshot{
		brokers:  brokers,
		byID:     make(map[string]int, len(brokers)),
		byDomain: make(map[string][]int),
	}
	for i := range brokers {
		s.byID[strings.ToLower(brokers[i].ID)] = i
		for _, d := range brokers[i].AllDomains() {
			s.byDomain[d] = append(s.byDomain[d], i)
		}
	}
	for d := range s.byDomain {
		s.domains = append(s.domains, d)
	}
	sort.Slice(s.domains, func(i, j int) bool {
		if len(s.domains[i]) != len(s.domains[j]) {
			return len(s.domains[i]) > len(s.domains[j])
		}
		return s.domains[i] < s.domains[j]
	})
	return s
}

func (s *Snapshot) Len() int { return len(s.brokers) }

// Brokers returns a copy of all brokers ordered by id.
func (s *Snapshot) Brokers() []Broker {
	out := make([]Broker, len(s.brokers))
	copy(out, s.brokers)
	return out
}

func (s *Snapshot) Get(id string) (Broker, bool) {
	i, ok := s.byID[strings.ToLower(id)]
	if !ok {
		return Broker{}, false
	}
	return s.brokers[i], true
}

// Domains returns every indexed domain, longest first.
func (s *Snapshot) Domains() []string {
	return append([]string(nil), s.domains...)
}

// ByDomain returns the brokers owning domain exactly, ordered by id.
func (s *Snapshot) ByDomain(domain string) []Broker {
	idx := s.byDomain[normalizeDomain(domain)]
	out := make([]Broker, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.brokers[i])
	}
	return out
}

// OwnsDomain reports whether domain equals, or is a subdomain of, one of b's domains.
func OwnsDomain(b Broker, domain string) bool {
	domain = normalizeDomain(domain)
	if domain == "" {
		return false
	}
	for _, d := range b.AllDomains() {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// DomainOf returns the normalized domain part of an email address.
func DomainOf(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.LastIndex(address, "<"); i >= 0 {
		address = strings.TrimSuffix(address[i+1:], ">")
	}
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return normalizeDomain(address[at+1:])
}
