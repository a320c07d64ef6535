package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brokersYAML = `
brokers:
  - id: spokeo
    name: Spokeo
    domains: [spokeo.com, "WWW.Spokeo.com"]
    privacy_email: privacy@spokeo.com
    opt_out_url: https://www.spokeo.com/optout
    region: us
  - id: acxiom
    name: Acxiom
    domains: [acxiom.com]
    privacy_email: consumeradvo@acxiomprivacy.com
    opt_out_url: "javascript:alert(1)"
    region: global
  - id: experian-eu
    name: Experian EU
    domains: [experian.co.uk]
    region: eu
`

func writeBrokers(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFromFileSanitizes(t *testing.T) {
	db, err := LoadFromFile(writeBrokers(t, t.TempDir(), "brokers.yaml", brokersYAML))
	require.NoError(t, err)
	require.Len(t, db.Brokers, 3)

	spokeo := db.FindByID("SPOKEO")
	require.NotNil(t, spokeo)
	assert.Equal(t, []string{"spokeo.com"}, spokeo.Domains)
	assert.Equal(t, []string{"spokeo.com"}, spokeo.AllDomains())

	acxiom := db.FindByID("acxiom")
	require.NotNil(t, acxiom)
	assert.Empty(t, acxiom.OptOutURL, "non-http urls are dropped")
	assert.Equal(t, "acxiomprivacy.com", acxiom.PrivacyDomain())
	assert.Equal(t, []string{"acxiom.com", "acxiomprivacy.com"}, acxiom.AllDomains())
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeBrokers(t, dir, "a.yaml", brokersYAML)
	writeBrokers(t, dir, "b.yml", "brokers:\n  - id: spokeo\n    name: Again\n")
	writeBrokers(t, dir, "readme.txt", "ignored")

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	db, err := LoadFromFile(writeBrokers(t, t.TempDir(), "brokers.yaml", brokersYAML))
	require.NoError(t, err)

	got := db.Filter([]string{"us"}, []string{"Acxiom"})
	require.Len(t, got, 1)
	assert.Equal(t, "spokeo", got[0].ID)
}

func TestSnapshot(t *testing.T) {
	db, err := LoadFromFile(writeBrokers(t, t.TempDir(), "brokers.yaml", brokersYAML))
	require.NoError(t, err)
	snap := db.Snapshot()

	// later directory edits do not leak into the snapshot
	db.Brokers[0].Name = "Changed"
	db.Brokers[0].Domains[0] = "changed.com"

	assert.Equal(t, 3, snap.Len())
	b, ok := snap.Get("spokeo")
	require.True(t, ok)
	assert.Equal(t, "Spokeo", b.Name)
	assert.Equal(t, "spokeo", snap.ByDomain("spokeo.com")[0].ID)
	assert.Equal(t, "acxiom", snap.ByDomain("acxiomprivacy.com")[0].ID)
	assert.Empty(t, snap.ByDomain("changed.com"))

	domains := snap.Domains()
	assert.Equal(t, "acxiomprivacy.com", domains[0], "longest first")

	ids := []string{}
	for _, b := range snap.Brokers() {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"acxiom", "experian-eu", "spokeo"}, ids)
}

func TestOwnsDomainAndDomainOf(t *testing.T) {
	b := Broker{ID: "spokeo", Domains: []string{"spokeo.com"}, PrivacyEmail: "privacy@spokeo-mail.com"}

	assert.True(t, OwnsDomain(b, "spokeo.com"))
	assert.True(t, OwnsDomain(b, "mail.spokeo.com"))
	assert.True(t, OwnsDomain(b, "spokeo-mail.com"))
	assert.False(t, OwnsDomain(b, "notspokeo.com"))
	assert.False(t, OwnsDomain(b, ""))

	assert.Equal(t, "spokeo.com", DomainOf("Spokeo Privacy <Privacy@Spokeo.COM>"))
	assert.Equal(t, "example.org", DomainOf("a@example.org"))
	assert.Equal(t, "", DomainOf("no-at-sign"))
}
