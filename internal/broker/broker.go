package broker

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func sanitizeBroker(b *Broker) {
	if !isValidURL(b.OptOutURL) {
		b.OptOutURL = ""
	}
	if !isValidURL(b.Website) {
		b.Website = ""
	}
	b.PrivacyEmail = strings.TrimSpace(b.PrivacyEmail)

	seen := make(map[string]bool, len(b.Domains))
	domains := make([]string, 0, len(b.Domains))
	for _, d := range b.Domains {
		d = normalizeDomain(d)
		if d != "" && !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	b.Domains = domains
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "www.")
	return strings.TrimSuffix(d, ".")
}

type Broker struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Domains      []string `yaml:"domains"`
	PrivacyEmail string   `yaml:"privacy_email,omitempty"`
	Website      string   `yaml:"website,omitempty"`
	OptOutURL    string   `yaml:"opt_out_url,omitempty"`
	Region       string   `yaml:"region"`             // "us", "eu", "global"
	Category     string   `yaml:"category,omitempty"` // "people-search", "marketing", "data-aggregator", etc.
	Notes        string   `yaml:"notes,omitempty"`
}

// PrivacyDomain returns the lowercased domain of the privacy email, or "".
func (b *Broker) PrivacyDomain() string {
	at := strings.LastIndex(b.PrivacyEmail, "@")
	if at < 0 {
		return ""
	}
	return normalizeDomain(b.PrivacyEmail[at+1:])
}

// AllDomains returns the broker's domains plus its privacy-email domain, deduplicated.
func (b *Broker) AllDomains() []string {
	seen := make(map[string]bool, len(b.Domains)+1)
	var out []string
	for _, d := range append(append([]string{}, b.Domains...), b.PrivacyDomain()) {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

type BrokerDatabase struct {
	Brokers []Broker `yaml:"brokers"`
}

func LoadFromFile(path string) (*BrokerDatabase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker file: %w", err)
	}

	var db BrokerDatabase
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("failed to parse broker file: %w", err)
	}

	for i := range db.Brokers {
		sanitizeBroker(&db.Brokers[i])
	}
	return &db, nil
}

// Load reads a single YAML file or every .yaml/.yml file in a directory.
func Load(path string) (*BrokerDatabase, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat broker source: %w", err)
	}
	if info.IsDir() {
		return LoadFromDir(path)
	}
	return LoadFromFile(path)
}

func LoadFromDir(dir string) (*BrokerDatabase, error) {
	db := &BrokerDatabase{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		partialDB, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entry.Name(), err)
		}

		for _, b := range partialDB.Brokers {
			if err := db.Add(b); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", entry.Name(), err)
			}
		}
	}

	return db, nil
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[strings.ToLower(s)] = true
	}
	return m
}

func (db *BrokerDatabase) Filter(regions []string, excluded []string) []Broker {
	regionSet, excludedSet := toSet(regions), toSet(excluded)

	var result []Broker
	for _, b := range db.Brokers {
		if excludedSet[strings.ToLower(b.ID)] || excludedSet[strings.ToLower(b.Name)] {
			continue
		}
		if len(regionSet) > 0 {
			r := strings.ToLower(b.Region)
			if !regionSet[r] && !regionSet["global"] && r != "global" {
				continue
			}
		}
		result = append(result, b)
	}
	return result
}

func (db *BrokerDatabase) FindByID(id string) *Broker {
	id = strings.ToLower(id)
	for i := range db.Brokers {
		if strings.ToLower(db.Brokers[i].ID) == id {
			return &db.Brokers[i]
		}
	}
	return nil
}

func (db *BrokerDatabase) Add(broker Broker) error {
	if broker.ID == "" {
		return fmt.Errorf("broker %q has no id", broker.Name)
	}
	if db.FindByID(broker.ID) != nil {
		return fmt.Errorf("broker with ID %q already exists", broker.ID)
	}
	db.Brokers = append(db.Brokers, broker)
	return nil
}
