package inbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/domain"
)

// Keyword patterns for classification. Subject patterns weigh 3, body patterns 1.
var (
	// Completed removal indicators
	completedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)request\s+(has\s+been\s+)?(completed|processed|fulfilled)`),
		regexp.MustCompile(`(?i)successfully\s+(removed|deleted|opted\s*out)`),
		regexp.MustCompile(`(?i)your\s+(data|information)\s+(has\s+been\s+)?(removed|deleted)`),
		regexp.MustCompile(`(?i)opt[\s-]?out\s+(request\s+)?(is\s+)?(complete|confirmed)`),
		regexp.MustCompile(`(?i)we\s+have\s+(removed|deleted)`),
		regexp.MustCompile(`(?i)no\s+longer\s+(have|hold|store)\s+your\s+(data|information)`),
	}

	// Opt-out form indicators
	formPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)please\s+(complete|fill\s*(out|in)?|submit)\s+(the|our|this)?\s*(form|request)`),
		regexp.MustCompile(`(?i)visit\s+(the\s+)?(following\s+)?(link|url|page)\s+to\s+(complete|submit|verify)`),
		regexp.MustCompile(`(?i)click\s+(here|below|the\s+link)\s+to\s+(begin|start|submit|complete)`),
		regexp.MustCompile(`(?i)(must|need\s+to)\s+(verify|confirm)\s+your\s+(identity|request)`),
		regexp.MustCompile(`(?i)submit\s+a\s+(formal\s+)?request\s+(through|via|at)`),
		regexp.MustCompile(`(?i)use\s+(our|the)\s+(online|web)\s*(form|portal|tool)`),
		// Redirect to form patterns (from real broker emails)
		regexp.MustCompile(`(?i)please\s+submit\s+(your\s+)?request\s+(at|via|through)\s+`),
		regexp.MustCompile(`(?i)please\s+use\s+(our|the)\s+(opt[\s-]?out|removal|privacy)\s*(form|page|link)`),
		regexp.MustCompile(`(?i)complete\s+(the|our|a)\s+(data\s+subject|privacy|opt[\s-]?out)\s*(access\s+)?(request\s+)?form`),
		regexp.MustCompile(`(?i)submit\s+(a\s+|your\s+)?(request|form)\s+(via|through|at|using)\s+(our\s+)?(online|web|interactive)`),
		regexp.MustCompile(`(?i)(does\s+not|do\s+not|cannot)\s+accept\s+privacy\s+requests?\s+(via|by|through)\s+email`),
		regexp.MustCompile(`(?i)this\s+email\s+(address\s+)?is\s+not\s+intended\s+for\s+privacy`),
		regexp.MustCompile(`(?i)visit\s+(our|the)\s+(opt[\s-]?out|removal|privacy)\s*(page|form|portal)`),
		regexp.MustCompile(`(?i)(data\s+subject|privacy)\s+requests?\s+(can|should|must)\s+be\s+(filed|submitted)\s+(at|via)`),
		regexp.MustCompile(`(?i)go\s+to\s+(the\s+)?(link|url|page)\s+(below|above)`),
		regexp.MustCompile(`(?i)please\s+click\s+(on\s+)?(the\s+)?following\s+link`),
		regexp.MustCompile(`(?i)you\s+(can|may)\s+submit\s+.{0,30}(privacy|opt[\s-]?out)`),
		regexp.MustCompile(`(?i)right\s+to\s+(opt[\s-]?out|delete|know)[:\s]`),
		// Additional form patterns from real emails
		regexp.MustCompile(`(?i)we\s+(have\s+)?established\s+a\s+dedicated\s+(online\s+)?form`),
		regexp.MustCompile(`(?i)we\s+do\s+not\s+process\s+requests?\s+via\s+email`),
		regexp.MustCompile(`(?i)please\s+send\s+(your?\s+)?request\s+to\s+customer\s+service`),
		regexp.MustCompile(`(?i)is\s+not\s+(a\s+)?mechanism\s+for.{0,30}(privacy|request)`),
		regexp.MustCompile(`(?i)please\s+complete\s+your\s+(request|form)`),
	}

	// Link-click verification indicators
	verifyLinkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)click\s+(here|below|the\s+link)\s+to\s+(confirm|verify|validate)`),
		regexp.MustCompile(`(?i)please\s+(confirm|verify)\s+(your\s+)?(email|request|identity)`),
		regexp.MustCompile(`(?i)verification\s+(link|email|code)`),
		regexp.MustCompile(`(?i)confirm\s+your\s+(email\s+)?(address)?`),
		regexp.MustCompile(`(?i)click\s+(to\s+)?confirm`),
	}

	// Broker needs more identifying information before acting
	requestInfoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(can|could)\s+you\s+(please\s+)?verify`),
		regexp.MustCompile(`(?i)verify\s+(your\s+)?(last\s+4|ssn|social)`),
		regexp.MustCompile(`(?i)please\s+provide\s+(us\s+with\s+)?(your|the\s+following|additional|more|a\s+copy)`),
		regexp.MustCompile(`(?i)(need|require)s?\s+(some\s+)?(additional|more|further)\s+(information|details)`),
		regexp.MustCompile(`(?i)(proof|copy)\s+of\s+(your\s+)?(identity|id|residen(ce|cy)|driver'?s\s+licen[cs]e|passport)`),
		regexp.MustCompile(`(?i)(full\s+)?(postal|mailing|home)\s+address\s+(and|or)\s+(date\s+of\s+birth|phone)`),
		regexp.MustCompile(`(?i)(reply|respond)\s+with\s+(your\s+)?(full\s+name|address|phone|date\s+of\s+birth)`),
	}

	// Rejection indicators
	rejectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(cannot|can't|unable\s+to)\s+(process|complete|fulfill)\s+(your\s+)?request`),
		regexp.MustCompile(`(?i)request\s+(has\s+been\s+)?(denied|rejected|declined)`),
		regexp.MustCompile(`(?i)do\s+not\s+have\s+(any\s+)?(data|information|records)\s+(about|for|on)\s+you`),
		regexp.MustCompile(`(?i)not\s+found\s+in\s+our\s+(system|database|records)`),
		regexp.MustCompile(`(?i)no\s+(matching\s+)?(records?|data|information)\s+found`),
		regexp.MustCompile(`(?i)exempt\s+from\s+(CCPA|GDPR|this\s+request)`),
		// No data found patterns (from real broker emails)
		regexp.MustCompile(`(?i)(do\s+not|don't)\s+have\s+(any\s+)?record`),
		regexp.MustCompile(`(?i)no\s+(matching\s+)?record\s+(of\s+)?(a\s+)?report`),
		regexp.MustCompile(`(?i)maintains?\s+no\s+(files?|records?|data)`),
		// Service discontinued patterns
		regexp.MustCompile(`(?i)no\s+longer\s+(registered|operating)\s+(as\s+)?(an?\s+)?(active\s+)?data\s+broker`),
		regexp.MustCompile(`(?i)(this\s+)?(email|inbox)(\s+\w+)?\s+(is\s+)?(no\s+longer|being\s+retired)`),
		regexp.MustCompile(`(?i)service\s+offerings?\s+no\s+longer\s+include`),
		// Additional rejection patterns from real emails
		regexp.MustCompile(`(?i)(we\s+)?(have\s+)?no\s+data\s+(linked|associated|related)\s+to\s+(your|this)`),
		regexp.MustCompile(`(?i)not\s+identified\s+in\s+our\s+database`),
		regexp.MustCompile(`(?i)(we\s+are|we're)\s+a\s+b2b\s+(platform|company|business)`),
		regexp.MustCompile(`(?i)has\s+never\s+existed\s+in\s+our\s+database`),
		regexp.MustCompile(`(?i)consumer\s+reporting\s+agenc(y|ies)\s+(is|are)\s+exempt`),
		regexp.MustCompile(`(?i)fair\s+credit\s+reporting\s+act.{0,30}exempt`),
		regexp.MustCompile(`(?i)we\s+do\s+not\s+(remove|delete)\s+data\s+by\s+request`),
		regexp.MustCompile(`(?i)(your\s+)?(email|name|address|information)\s+was\s+not\s+identified`),
		// Wrong email address patterns
		regexp.MustCompile(`(?i)(this\s+)?(email|inbox)\s+(address\s+)?(is\s+)?not\s+(a\s+)?(mechanism|intended)\s+(for|to)`),
		regexp.MustCompile(`(?i)not\s+intended\s+for\s+(the\s+)?(submission|handling)\s+of\s+privacy`),
		regexp.MustCompile(`(?i)will\s+not\s+be\s+considered\s+a\s+valid\s+submission`),
	}

	// Receipt acknowledgment indicators
	acknowledgmentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(is\s+being|currently\s+being)\s+(processed|reviewed|handled)`),
		regexp.MustCompile(`(?i)will\s+(process|complete|handle)\s+(your\s+)?request\s+within`),
		regexp.MustCompile(`(?i)please\s+allow\s+(\d+)\s+(days|business\s+days|weeks)`),
		regexp.MustCompile(`(?i)we('ll|\s+will)\s+(get\s+back|respond|follow\s+up)`),
		regexp.MustCompile(`(?i)request\s+(has\s+been\s+)?(received|acknowledged)`),
		// Request acknowledgment patterns (from real broker emails)
		regexp.MustCompile(`(?i)thank\s+you\s+for\s+(your\s+)?(inquiry|email|contacting|reaching|privacy)`),
		regexp.MustCompile(`(?i)we\s+(have\s+)?received\s+your\s+(request|email|inquiry)`),
		regexp.MustCompile(`(?i)(has\s+been\s+)?assigned\s+(a\s+)?(ticket|case|reference)\s*(number|#|id)?`),
		regexp.MustCompile(`(?i)one\s+of\s+our\s+.{0,30}(will\s+)?(reach\s+out|respond|contact)`),
		regexp.MustCompile(`(?i)ticket\s+(has\s+been\s+)?(created|opened|received)`),
		// Additional patterns for better subject line matching
		regexp.MustCompile(`(?i)your\s+request\s+has\s+been\s+received`),
		regexp.MustCompile(`(?i)support\s+request\s*#?\d+`),
		regexp.MustCompile(`(?i)legal\s+request\s+received`),
		regexp.MustCompile(`(?i)i\s+(have\s+)?(now\s+)?left\s+`), // Person left the company
		regexp.MustCompile(`(?i)no\s+longer\s+with\s+(the\s+)?(company|organization)`),
		// Additional pending patterns from real emails
		regexp.MustCompile(`(?i)(will\s+be\s+)?(removed|deleted)\s+from\s+our\s+database.{0,20}\d+\s+days`),
		regexp.MustCompile(`(?i)once\s+verified.{0,30}(will\s+be\s+)?(processed|complete)`),
		regexp.MustCompile(`(?i)this\s+(message\s+)?confirms\s+(our\s+)?receipt`),
		regexp.MustCompile(`(?i)we\s+appreciate\s+your\s+interest\s+in\s+exercising`),
		regexp.MustCompile(`(?i)request\s+(will\s+be\s+)?(processed|fulfilled)`),
		regexp.MustCompile(`(?i)automatic\s+reply`),
		regexp.MustCompile(`(?i)auto[\s-]?response`),
	}

	subjectAcknowledgmentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^automatic\s+reply`),
		regexp.MustCompile(`(?i)^auto[\s-]?reply`),
		regexp.MustCompile(`(?i)^auto[\s-]?response`),
		regexp.MustCompile(`(?i)^out\s+of\s+office`),
		regexp.MustCompile(`(?i)request\s+received`),
		regexp.MustCompile(`(?i)has\s+been\s+received`),
		regexp.MustCompile(`(?i)thank\s+you\s+for\s+your\s+(privacy|data|removal|email)`),
		regexp.MustCompile(`(?i)thank\s+you\s+for\s+(your\s+)?email\s+to`), // "Thank you for your email to Nielsen's Privacy Team"
		regexp.MustCompile(`(?i)thanks\s+for\s+(reaching|contacting)`),
		regexp.MustCompile(`(?i)#[A-Z]{0,3}[-]?\d{5,}`), // Ticket numbers like #REQ-195698, #LD00019726
		regexp.MustCompile(`(?i)request\s*#\s*\d+`),
		regexp.MustCompile(`(?i)support\s+request`),
		regexp.MustCompile(`(?i)ticket\s*[\(#]\s*:?\s*\d+`), // Ticket (259135) or Ticket #259135 or Ticket #: 259135
		regexp.MustCompile(`(?i)we\s+have\s+received\s+your\s+ticket`),
		regexp.MustCompile(`(?i)i\s+(have\s+)?(now\s+)?left\s+`), // Person left the company
		regexp.MustCompile(`(?i)no\s+longer\s+with\s+(the\s+)?(company|organization)`),
		regexp.MustCompile(`(?i)office\s+closed`),
		regexp.MustCompile(`(?i)response\s+to\s+your\s+email`),
	}

	subjectRejectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)not\s+found`),
		regexp.MustCompile(`(?i)no\s+record`),
		regexp.MustCompile(`(?i)unable\s+to\s+(locate|find|process)`),
		regexp.MustCompile(`(?i)request\s+(denied|rejected)`),
	}

	subjectCompletedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)opt[\s-]?out\s+(has\s+been\s+)?completed`),
		regexp.MustCompile(`(?i)(has\s+been\s+|successfully\s+)?(removed|deleted)`),
		regexp.MustCompile(`(?i)ticket.+solved`),
		regexp.MustCompile(`(?i)request\s+(has\s+been\s+)?(completed|processed|fulfilled)`),
	}

	subjectActionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)opt[\s-]?out\s+instructions`),
		regexp.MustCompile(`(?i)removal\s+instructions`),
		regexp.MustCompile(`(?i)how\s+to\s+(opt[\s-]?out|remove)`),
		regexp.MustCompile(`(?i)action\s+required`),
		regexp.MustCompile(`(?i)(confirm|verify)\s+your\s+(email|request)`),
	}

	subjectRequestInfoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(additional|more)\s+information\s+(needed|required|requested)`),
		regexp.MustCompile(`(?i)identity\s+verification\s+required`),
	}
)

// category binds a response type to its patterns. matchSubject also runs the
// body patterns over the subject line.
type category struct {
	typ          domain.ResponseType
	subject      []*regexp.Regexp
	body         [][]*regexp.Regexp
	matchSubject bool
}

// categories is in tie-break order: on equal scores the earlier entry wins.
var categories = []category{
	{domain.ResponseRejection, subjectRejectionPatterns, [][]*regexp.Regexp{rejectionPatterns}, true},
	{domain.ResponseConfirmation, subjectCompletedPatterns, [][]*regexp.Regexp{completedPatterns}, true},
	{domain.ResponseActionRequired, subjectActionPatterns, [][]*regexp.Regexp{formPatterns, verifyLinkPatterns}, false},
	{domain.ResponseRequestInfo, subjectRequestInfoPatterns, [][]*regexp.Regexp{requestInfoPatterns}, false},
	{domain.ResponseAcknowledgment, subjectAcknowledgmentPatterns, [][]*regexp.Regexp{acknowledgmentPatterns}, false},
}

const (
	subjectWeight = 3
	bodyWeight    = 1
	urlBoost      = 2
)

// Classification source values
const (
	SourceRules = "rules"
	SourceAI    = "ai"
)

// ResponseOptions tune the rule pass. Results scoring below MinScore or with
// confidence below MinConfidence are reported as unknown.
type ResponseOptions struct {
	MinScore      int
	MinConfidence float64
	AITimeout     time.Duration
}

// RuleResult is the outcome of the pattern pass
type RuleResult struct {
	Type       domain.ResponseType
	Confidence float64
	Score      int
	Scores     map[domain.ResponseType]int
	Links      Links
	ActionURL  string
	Rationale  string
}

// AIResult is the structured answer of an AI backend
type AIResult struct {
	Type       domain.ResponseType
	Confidence float64
	Rationale  string
}

// AIClassifier is an optional second opinion on a broker reply
type AIClassifier interface {
	ClassifyResponse(ctx context.Context, email *Email) (AIResult, error)
}

// Classification is the final answer for one reply
type Classification struct {
	Type       domain.ResponseType
	Confidence float64
	Source     string
	Rationale  string
	ActionURL  string
}

// Decision keeps both passes so callers can audit which one won.
type Decision struct {
	Rule   RuleResult
	AI     *AIResult
	AIErr  error
	Chosen Classification
}

// Choose applies precedence: a successful AI result wins, otherwise the rule result stands.
func Choose(rule RuleResult, ai *AIResult, aiErr error) Classification {
	if ai != nil && aiErr == nil && ai.Type.Valid() {
		c := Classification{
			Type:       ai.Type,
			Confidence: clamp01(ai.Confidence),
			Source:     SourceAI,
			Rationale:  ai.Rationale,
		}
		if ai.Type == domain.ResponseActionRequired {
			c.ActionURL = rule.ActionURL
			if c.ActionURL == "" {
				c.ActionURL = rule.Links.ActionURL("")
			}
		}
		return c
	}
	return Classification{
		Type:       rule.Type,
		Confidence: rule.Confidence,
		Source:     SourceRules,
		Rationale:  rule.Rationale,
		ActionURL:  rule.ActionURL,
	}
}

// ResponseClassifier decides what a broker reply means
type ResponseClassifier struct {
	opts ResponseOptions
	ai   AIClassifier
	log  logrus.FieldLogger
}

// NewResponseClassifier creates a classifier. ai may be nil.
func NewResponseClassifier(opts ResponseOptions, ai AIClassifier, log logrus.FieldLogger) *ResponseClassifier {
	if opts.MinScore <= 0 {
		opts.MinScore = 1
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = 20 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ResponseClassifier{opts: opts, ai: ai, log: log}
}

// Classify runs the rule pass and, when configured, the AI pass under AITimeout.
// AI failures are recorded in the Decision and never returned.
func (c *ResponseClassifier) Classify(ctx context.Context, email *Email) Decision {
	d := Decision{Rule: c.Rules(email)}

	if c.ai != nil {
		res, err := c.classifyAI(ctx, email)
		switch {
		case err != nil:
			d.AIErr = err
		case !res.Type.Valid():
			d.AIErr = fmt.Errorf("ai returned unknown response type %q", res.Type)
		default:
			d.AI = &res
		}
		if d.AIErr != nil {
			c.log.WithError(d.AIErr).WithField("message_id", email.MessageID).Warn("AI classification failed, keeping rule result")
		}
	}

	d.Chosen = Choose(d.Rule, d.AI, d.AIErr)
	return d
}

type aiAnswer struct {
	res AIResult
	err error
}

// classifyAI returns within AITimeout even when the backend ignores its context.
// A late answer is dropped.
func (c *ResponseClassifier) classifyAI(ctx context.Context, email *Email) (AIResult, error) {
	aiCtx, cancel := context.WithTimeout(ctx, c.opts.AITimeout)
	defer cancel()

	done := make(chan aiAnswer, 1)
	go func() {
		res, err := c.ai.ClassifyResponse(aiCtx, email)
		done <- aiAnswer{res: res, err: err}
	}()

	timeout := fmt.Errorf("%w after %s", domain.ErrClassificationTimeout, c.opts.AITimeout)
	select {
	case a := <-done:
		if a.err != nil && errors.Is(aiCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return AIResult{}, timeout
		}
		return a.res, a.err
	case <-aiCtx.Done():
		if err := ctx.Err(); err != nil {
			return AIResult{}, err
		}
		return AIResult{}, timeout
	}
}

// Rules scores email against every category's patterns.
func (c *ResponseClassifier) Rules(email *Email) RuleResult {
	result := RuleResult{
		Type:   domain.ResponseUnknown,
		Scores: make(map[domain.ResponseType]int, len(categories)),
	}
	result.Links = ExtractLinks(email)

	content := strings.ToLower(email.Text())
	subject := strings.ToLower(email.Subject)

	for _, cat := range categories {
		score := 0
		for _, pattern := range cat.subject {
			if pattern.MatchString(subject) {
				score += subjectWeight
			}
		}
		for _, patterns := range cat.body {
			for _, pattern := range patterns {
				if pattern.MatchString(content) || (cat.matchSubject && pattern.MatchString(subject)) {
					score += bodyWeight
				}
			}
		}
		result.Scores[cat.typ] = score
	}

	if result.Links.Actionable() {
		result.Scores[domain.ResponseActionRequired] += urlBoost
	}

	// Find the highest scoring type and second highest
	maxScore, secondScore := 0, 0
	best := domain.ResponseUnknown
	for _, cat := range categories {
		score := result.Scores[cat.typ]
		if score > maxScore {
			secondScore = maxScore
			maxScore = score
			best = cat.typ
		} else if score > secondScore {
			secondScore = score
		}
	}
	result.Score = maxScore

	// Confidence is based on the margin over the second best
	var confidence float64
	if maxScore > 0 {
		if secondScore == 0 {
			confidence = 0.85
		} else {
			margin := float64(maxScore-secondScore) / float64(maxScore)
			confidence = 0.5 + margin*0.4 // Range: 0.5 to 0.9
		}
		if maxScore >= subjectWeight {
			confidence = max(confidence, 0.75)
		}
		if best == domain.ResponseActionRequired && result.Links.Actionable() {
			confidence = max(confidence, 0.85)
		}
	}

	if maxScore < c.opts.MinScore || confidence < c.opts.MinConfidence {
		result.Confidence = confidence
		result.Rationale = fmt.Sprintf("no category reached the threshold (best %s, score %d, confidence %.2f)", best, maxScore, confidence)
		return result
	}

	result.Type = best
	result.Confidence = confidence
	result.Rationale = getClassificationReason(best, maxScore)
	if best == domain.ResponseActionRequired {
		result.ActionURL = result.Links.ActionURL(email.FromDomain)
	}
	return result
}

// getClassificationReason returns a human-readable reason
func getClassificationReason(responseType domain.ResponseType, score int) string {
	switch responseType {
	case domain.ResponseConfirmation:
		return fmt.Sprintf("Email indicates the deletion was completed (score %d)", score)
	case domain.ResponseActionRequired:
		return fmt.Sprintf("Email asks for a form to be filled or a link to be confirmed (score %d)", score)
	case domain.ResponseRejection:
		return fmt.Sprintf("Broker rejected or could not process the request (score %d)", score)
	case domain.ResponseRequestInfo:
		return fmt.Sprintf("Broker asked for more identifying information (score %d)", score)
	case domain.ResponseAcknowledgment:
		return fmt.Sprintf("Broker acknowledged receipt, follow-up may be needed (score %d)", score)
	default:
		return "Could not automatically classify this response"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
