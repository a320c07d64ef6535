package inbox

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Links are the http(s) links found in a message, grouped by what they
// probably lead to. A link may appear in more than one group.
type Links struct {
	All           []string
	Forms         []string // opt-out or removal forms
	Confirmations []string
	Unsubscribe   []string
}

type weightedPart struct {
	part   string
	weight int
}

var (
	linkRegex       = regexp.MustCompile(`https?://[^\s<>"']+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)

	formParts = []weightedPart{
		{"opt-out", 10}, {"optout", 10}, {"opt_out", 10},
		{"do-not-sell", 10}, {"donotsell", 10}, {"do_not_sell", 10},
		{"removal-request", 10}, {"removal-form", 10}, {"removalrequest", 10},
		{"remove-my-info", 10}, {"remove-listing", 10}, {"remove-record", 10},
		{"data-request", 10}, {"dsar", 10}, {"data-subject", 10},
		{"ccpa-request", 10}, {"gdpr-request", 10},
		{"privacy-request", 10}, {"privacy-form", 10},
		{"/removal", 10}, {"/remove-me", 10},
		{"suppress", 5}, {"ccpa", 5}, {"gdpr", 5}, {"/remove", 5}, {"/delete", 5},
	}

	// only counted once some stronger part matched
	weakFormParts = []string{"remove", "delete", "unsubscribe"}

	// any of these disqualifies a link as a form
	notFormParts = []string{
		"privacy-policy", "privacy_policy", "privacypolicy",
		"terms-of-service", "terms_of_service", "terms-and-conditions",
		"cookie-policy", "cookie_policy",
		"/tos", "/terms", "/legal", "/policy",
		"/about", "/contact", "/help", "/faq", "/support",
		"/login", "/signin", "/register", "/signup", "/auth",
		"/account", "/settings", "/preferences", "/profile",
		"/marketing", "/newsletter", "/subscribe",
		".pdf", ".doc",
		"facebook.com", "twitter.com", "linkedin.com", "instagram.com",
		"google.com", "bit.ly", "tinyurl.com",
	}

	confirmParts = []string{
		"confirm", "verification", "verify", "activate", "validate",
		"click-here", "clickhere", "token=", "code=", "approve", "accept",
	}

	trackingParts = []string{"track", "pixel", "beacon", "open.gif", "spacer.gif", "1x1"}
)

// ExtractLinks collects the links of the plain and HTML bodies.
func ExtractLinks(e *Email) Links {
	var links Links
	if e == nil {
		return links
	}

	raw := linkRegex.FindAllString(e.Body, -1)
	raw = append(raw, htmlLinks(e.HTMLBody)...)

	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		link := normalizeLink(r)
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true

		lower := strings.ToLower(link)
		if isTrackingLink(lower) {
			continue
		}
		links.All = append(links.All, link)
		if formScore(lower) > 0 {
			links.Forms = append(links.Forms, link)
		}
		if containsAny(lower, confirmParts) {
			links.Confirmations = append(links.Confirmations, link)
		}
		if strings.Contains(lower, "unsubscribe") {
			links.Unsubscribe = append(links.Unsubscribe, link)
		}
	}
	return links
}

// Actionable reports whether the message carries a form or confirmation link.
func (l Links) Actionable() bool {
	return len(l.Forms) > 0 || len(l.Confirmations) > 0
}

// BestForm returns the highest scoring form link. Links on brokerDomain get a bonus.
func (l Links) BestForm(brokerDomain string) string {
	best, bestScore := "", 0
	brokerDomain = strings.ToLower(brokerDomain)
	for _, link := range l.Forms {
		lower := strings.ToLower(link)
		score := formScore(lower)
		if score <= 0 {
			continue
		}
		if brokerDomain != "" && strings.Contains(lower, brokerDomain) {
			score += 20
		}
		if score > bestScore {
			best, bestScore = link, score
		}
	}
	return best
}

// BestConfirmation prefers a confirmation link on brokerDomain, then the first one.
func (l Links) BestConfirmation(brokerDomain string) string {
	brokerDomain = strings.ToLower(brokerDomain)
	if brokerDomain != "" {
		for _, link := range l.Confirmations {
			if strings.Contains(strings.ToLower(link), brokerDomain) {
				return link
			}
		}
	}
	if len(l.Confirmations) > 0 {
		return l.Confirmations[0]
	}
	return ""
}

// ActionURL is the one link a user must follow for an action_required reply.
// A confirmation link wins over a form.
func (l Links) ActionURL(brokerDomain string) string {
	if u := l.BestConfirmation(brokerDomain); u != "" {
		return u
	}
	return l.BestForm(brokerDomain)
}

func htmlLinks(html string) []string {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return linkRegex.FindAllString(html, -1)
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			out = append(out, href)
		}
	})
	return append(out, linkRegex.FindAllString(doc.Text(), -1)...)
}

func normalizeLink(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), ".,;:!?)")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// formScore is negative for disqualified links, zero when nothing matched.
func formScore(lower string) int {
	if containsAny(lower, notFormParts) {
		return -20
	}
	score := 0
	for _, p := range formParts {
		if strings.Contains(lower, p.part) {
			score += p.weight
		}
	}
	if score > 0 {
		for _, p := range weakFormParts {
			if strings.Contains(lower, p) {
				score += 2
			}
		}
	}
	return score
}

func isTrackingLink(lower string) bool {
	if containsAny(lower, trackingParts) {
		return true
	}
	return strings.HasSuffix(lower, ".gif")
}

func containsAny(s string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// HTMLToText renders the visible text of an HTML body with whitespace collapsed.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(doc.Text(), " "))
}
