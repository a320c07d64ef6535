package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eraser-privacy/optout/internal/activity"
	"github.com/eraser-privacy/optout/internal/broker"
	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/inbox"
	"github.com/eraser-privacy/optout/internal/lifecycle"
	"github.com/eraser-privacy/optout/internal/mailbox"
	"github.com/eraser-privacy/optout/internal/match"
	"github.com/eraser-privacy/optout/internal/metrics"
)

type Store interface {
	SaveScan(ctx context.Context, e *domain.EmailScan) (bool, error)
	SaveResponse(ctx context.Context, r *domain.BrokerResponse) (bool, error)
	GetResponseByMessageID(ctx context.Context, userID, messageID string) (*domain.BrokerResponse, error)
	UpdateResponse(ctx context.Context, r *domain.BrokerResponse) error
	MarkResponseProcessed(ctx context.Context, id int64) error
	ListOutstanding(ctx context.Context, userID string) ([]domain.DeletionRequest, error)
	Watermark(ctx context.Context, userID, mode string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, userID, mode string, t time.Time) error
}

// Directory hands out an immutable broker snapshot. *broker.BrokerDatabase satisfies it.
type Directory interface {
	Snapshot() *broker.Snapshot
}

type Mailboxes interface {
	Get(userID string) (mailbox.Provider, error)
}

type Options struct {
	Workers          int
	RateLimit        int
	RateWindow       time.Duration
	InboxLookback    time.Duration
	ResponseLookback time.Duration
	Now              func() time.Time
}

// OptionsFromConfig maps the scan config section onto Options.
func OptionsFromConfig(cfg config.ScanConfig) Options {
	return Options{
		Workers:          cfg.Workers,
		RateLimit:        cfg.RateLimit.MaxRuns,
		RateWindow:       cfg.RateLimit.Window,
		InboxLookback:    time.Duration(cfg.InboxLookbackDays) * 24 * time.Hour,
		ResponseLookback: time.Duration(cfg.ResponseLookbackDays) * 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Hour
	}
	if o.InboxLookback <= 0 {
		o.InboxLookback = 90 * 24 * time.Hour
	}
	if o.ResponseLookback <= 0 {
		o.ResponseLookback = 7 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Deps struct {
	Store      Store
	Lifecycle  *lifecycle.Manager
	Mailboxes  Mailboxes
	Directory  Directory
	Detector   *inbox.Detector
	Classifier *inbox.ResponseClassifier
	Activity   *activity.Recorder
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
}

// Orchestrator is the entry point for manual and scheduled scans. It assumes
// the caller never runs two scans for the same user at once.
type Orchestrator struct {
	store      Store
	lifecycle  *lifecycle.Manager
	mailboxes  Mailboxes
	directory  Directory
	detector   *inbox.Detector
	classifier *inbox.ResponseClassifier
	activity   *activity.Recorder
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	limiter    *RateLimiter
	opts       Options
}

func New(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	detector := deps.Detector
	if detector == nil {
		detector = inbox.NewDetector(inbox.DefaultDetectorOptions())
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = inbox.NewResponseClassifier(inbox.ResponseOptions{}, nil, log)
	}
	return &Orchestrator{
		store:      deps.Store,
		lifecycle:  deps.Lifecycle,
		mailboxes:  deps.Mailboxes,
		directory:  deps.Directory,
		detector:   detector,
		classifier: classifier,
		activity:   deps.Activity,
		metrics:    deps.Metrics,
		log:        log.WithField("component", "scan"),
		limiter:    NewRateLimiter(opts.RateLimit, opts.RateWindow, opts.Now),
		opts:       opts,
	}
}

// Limiter exposes the trigger rate limiter so a long-running process can prune it.
func (o *Orchestrator) Limiter() *RateLimiter { return o.limiter }

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

// Trigger runs one scan for userID. An unknown user is rejected without using
// a rate-limit slot; a rate-limited trigger returns a *domain.RateLimitError. Per-message failures are
// collected in the report and never abort the scan. PENDING requests whose
// retry time has passed are re-sent at the end.
func (o *Orchestrator) Trigger(ctx context.Context, userID string, mode Mode) (*Report, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	mb, err := o.mailboxes.Get(userID)
	if err != nil {
		return nil, err
	}

	key := userID + ":" + string(mode)
	if ok, wait := o.limiter.Allow(key); !ok {
		if o.metrics != nil {
			o.metrics.ScanRateLimited.WithLabelValues(string(mode)).Inc()
		}
		return nil, &domain.RateLimitError{Key: key, RetryAfter: wait}
	}

	report := &Report{UserID: userID, Mode: mode, StartedAt: o.now()}
	log := o.log.WithFields(logrus.Fields{"user_id": userID, "mode": mode})
	log.Info("scan started")

	if o.metrics != nil {
		o.metrics.ScanRuns.WithLabelValues(string(mode)).Inc()
		o.metrics.ScansInProgress.Inc()
		defer o.metrics.ScansInProgress.Dec()
		timer := time.Now()
		defer func() {
			o.metrics.ScanDuration.WithLabelValues(string(mode)).Observe(time.Since(timer).Seconds())
		}()
	}

	scanErr := o.scanMessages(ctx, mb, report)
	if scanErr == nil {
		o.retry(ctx, userID, report)
	}

	report.FinishedAt = o.now()
	if o.metrics != nil && len(report.Failures) > 0 {
		o.metrics.ScanItemFailures.WithLabelValues(string(mode)).Add(float64(len(report.Failures)))
	}

	if scanErr != nil {
		entry := activity.Entry(userID, domain.ActivityError, fmt.Sprintf("%s scan aborted", mode))
		entry.Details = scanErr.Error()
		o.activity.Record(ctx, entry)
	} else if report.Scanned+report.Responses+report.RetryAttempted > 0 {
		entry := activity.Entry(userID, domain.ActivityInfo,
			fmt.Sprintf("Completed %s scan: %d fetched, %d failures", mode, report.Fetched, len(report.Failures)))
		if mode == ModeResponses {
			entry.Type = domain.ActivityResponseScanned
		}
		o.activity.Record(ctx, entry)
	}

	log.WithFields(logrus.Fields{
		"fetched":  report.Fetched,
		"skipped":  report.Skipped,
		"failures": len(report.Failures),
	}).Info("scan finished")

	if scanErr != nil {
		return report, scanErr
	}
	return report, nil
}

func (o *Orchestrator) scanMessages(ctx context.Context, mb mailbox.Provider, report *Report) error {
	lookback := o.opts.InboxLookback
	if report.Mode == ModeResponses {
		lookback = o.opts.ResponseLookback
	}

	since, ok, err := o.store.Watermark(ctx, report.UserID, string(report.Mode))
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	if !ok {
		since = o.now().Add(-lookback)
	}
	report.Since = since
	report.Watermark = since

	msgs, err := mb.ListMessagesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	report.Fetched = len(msgs)
	if o.metrics != nil {
		o.metrics.MessagesFetched.WithLabelValues(string(report.Mode)).Add(float64(len(msgs)))
	}
	if len(msgs) == 0 {
		return nil
	}

	snap := o.directory.Snapshot()

	var committed []bool
	switch report.Mode {
	case ModeInbox:
		committed, err = o.scanInbox(ctx, snap, msgs, report)
	case ModeResponses:
		committed, err = o.scanResponses(ctx, snap, msgs, report)
	}

	// advance over the committed prefix so a failed message is fetched again next time
	var newest time.Time
	for i, ok := range committed {
		if !ok {
			break
		}
		if msgs[i].ReceivedAt.After(newest) {
			newest = msgs[i].ReceivedAt
		}
	}
	if !newest.IsZero() {
		if werr := o.store.AdvanceWatermark(context.WithoutCancel(ctx), report.UserID, string(report.Mode), newest); werr != nil {
			report.fail("", 0, werr)
		} else if newest.After(report.Watermark) {
			report.Watermark = newest
		}
	}
	return err
}

// evaluate runs fn for every message on the worker pool.
func (o *Orchestrator) evaluate(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(gctx, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (o *Orchestrator) scanInbox(ctx context.Context, snap *broker.Snapshot, msgs []inbox.Email, report *Report) ([]bool, error) {
	detections := make([]inbox.Detection, len(msgs))
	evalErr := o.evaluate(ctx, len(msgs), func(_ context.Context, i int) {
		detections[i] = o.detector.Detect(snap, inbox.InputFromEmail(&msgs[i]))
	})
	if evalErr != nil {
		return nil, evalErr
	}

	committed := make([]bool, len(msgs))
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		e := &msgs[i]
		if e.MessageID == "" {
			report.Skipped++
			committed[i] = true
			continue
		}

		det := detections[i]
		scan := &domain.EmailScan{
			UserID:              report.UserID,
			MessageID:           e.MessageID,
			SenderEmail:         e.From,
			SenderDomain:        e.FromDomain,
			Subject:             e.Subject,
			ReceivedAt:          e.ReceivedAt,
			IsBrokerEmail:       det.IsBroker,
			Confidence:          det.Confidence,
			BrokerID:            det.BrokerID(),
			ClassificationNotes: det.Notes,
			BodyPreview:         e.Preview(0),
		}
		inserted, err := o.store.SaveScan(ctx, scan)
		if err != nil {
			report.fail(e.MessageID, 0, err)
			o.recordFailure(ctx, report.UserID, e.MessageID, err)
			continue
		}
		committed[i] = true
		if !inserted {
			report.Skipped++
			continue
		}

		report.Scanned++
		entry := activity.Entry(report.UserID, domain.ActivityEmailScanned, fmt.Sprintf("Scanned email from %s", e.From))
		if det.IsBroker {
			report.BrokerEmails++
			if o.metrics != nil {
				o.metrics.BrokerEmails.Inc()
			}
			entry.Type = domain.ActivityBrokerDetected
			entry.Message = fmt.Sprintf("Detected broker email from %s (%.2f, %s)", e.From, det.Confidence, det.MatchType)
			entry.BrokerID = det.BrokerID()
		}
		entry.EmailScanID = &scan.ID
		o.activity.Record(ctx, entry)
	}
	return committed, nil
}

type evaluated struct {
	relevant bool
	existing *domain.BrokerResponse
	decision inbox.Decision
	err      error
}

func (o *Orchestrator) scanResponses(ctx context.Context, snap *broker.Snapshot, msgs []inbox.Email, report *Report) ([]bool, error) {
	candidates, err := o.store.ListOutstanding(ctx, report.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outstanding requests: %w", err)
	}
	matcher := match.New(snap)

	results := make([]evaluated, len(msgs))
	evalErr := o.evaluate(ctx, len(msgs), func(ctx context.Context, i int) {
		results[i] = o.evaluateResponse(ctx, snap, matcher, candidates, report.UserID, &msgs[i])
	})
	if evalErr != nil {
		return nil, evalErr
	}

	committed := make([]bool, len(msgs))
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		e := &msgs[i]
		res := results[i]

		switch {
		case res.err != nil:
			report.fail(e.MessageID, 0, res.err)
			o.recordFailure(ctx, report.UserID, e.MessageID, res.err)
			continue
		case !res.relevant:
			report.Skipped++
			committed[i] = true
			continue
		}

		if err := o.commitResponse(ctx, matcher, candidates, e, res, report); err != nil {
			report.fail(e.MessageID, 0, err)
			o.recordFailure(ctx, report.UserID, e.MessageID, err)
			continue
		}
		committed[i] = true
	}
	return committed, nil
}

// evaluateResponse decides whether a message is a broker reply and classifies it.
// It runs on the worker pool and writes nothing.
func (o *Orchestrator) evaluateResponse(ctx context.Context, snap *broker.Snapshot, matcher *match.Matcher,
	candidates []domain.DeletionRequest, userID string, e *inbox.Email) evaluated {
	if e.MessageID == "" {
		return evaluated{}
	}

	existing, err := o.store.GetResponseByMessageID(ctx, userID, e.MessageID)
	switch {
	case err == nil && existing.IsProcessed:
		return evaluated{}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return evaluated{err: err}
	}

	if req, _ := matcher.Match(match.InboundFromEmail(e), candidates); req == nil {
		if det := o.detector.Detect(snap, inbox.InputFromEmail(e)); !det.IsBroker {
			return evaluated{}
		}
	}

	d := o.classifier.Classify(ctx, e)
	o.observeAI(d)
	res := evaluated{relevant: true, decision: d}
	if err == nil {
		res.existing = existing
	}
	return res
}

func (o *Orchestrator) commitResponse(ctx context.Context, matcher *match.Matcher, candidates []domain.DeletionRequest,
	e *inbox.Email, res evaluated, report *Report) error {
	chosen := res.decision.Chosen
	in := match.InboundFromEmail(e)
	proposal := matcher.Propose(in, chosen.Type, candidates)

	resp := &domain.BrokerResponse{
		UserID:       report.UserID,
		MessageID:    e.MessageID,
		ThreadID:     e.ThreadID(),
		SenderEmail:  e.From,
		Subject:      e.Subject,
		Body:         e.Text(),
		ReceivedAt:   e.ReceivedAt,
		ResponseType: chosen.Type,
		Confidence:   chosen.Confidence,
		MatchedBy:    proposal.MatchedBy,
		Source:       chosen.Source,
		Rationale:    chosen.Rationale,
		ActionURL:    chosen.ActionURL,
	}
	if proposal.Matched() {
		resp.DeletionRequestID = &proposal.Request.ID
	}

	if res.existing != nil {
		resp.ID = res.existing.ID
		if err := o.store.UpdateResponse(ctx, resp); err != nil {
			return err
		}
	} else {
		inserted, err := o.store.SaveResponse(ctx, resp)
		if err != nil {
			return err
		}
		if inserted {
			entry := activity.Entry(report.UserID, domain.ActivityResponseReceived,
				fmt.Sprintf("Received %s response from %s", chosen.Type, e.From))
			entry.ResponseID = &resp.ID
			entry.DeletionRequestID = resp.DeletionRequestID
			if proposal.Matched() {
				entry.BrokerID = proposal.Request.BrokerID
			}
			entry.Details = chosen.Rationale
			o.activity.Record(ctx, entry)
		}
	}
	report.Responses++

	signal := proposal.MatchedBy
	if signal == "" {
		signal = "none"
	}
	if o.metrics != nil {
		o.metrics.ResponsesMatched.WithLabelValues(signal).Inc()
	}

	if proposal.Matched() {
		report.Matched++
		if proposal.HasTarget {
			notes := fmt.Sprintf("%s reply %s (%s %.2f, matched by %s)", chosen.Type, e.MessageID, chosen.Source, chosen.Confidence, proposal.MatchedBy)
			updated, changed, err := o.lifecycle.ApplyResponse(ctx, proposal.Request.ID, proposal.Target, notes)
			switch {
			case errors.Is(err, domain.ErrInvalidTransition):
				// the reply stays stored and inert
				report.fail(e.MessageID, proposal.Request.ID, err)
				o.recordFailure(ctx, report.UserID, e.MessageID, err)
			case err != nil:
				return err
			case changed:
				report.transition(proposal.Target)
				*proposal.Request = *updated
			}
		}
	}

	return o.store.MarkResponseProcessed(ctx, resp.ID)
}

func (o *Orchestrator) observeAI(d inbox.Decision) {
	if o.metrics == nil {
		return
	}
	switch {
	case errors.Is(d.AIErr, domain.ErrClassificationTimeout):
		o.metrics.AIClassifications.WithLabelValues("timeout").Inc()
	case d.AIErr != nil:
		o.metrics.AIClassifications.WithLabelValues("error").Inc()
	case d.AI != nil:
		o.metrics.AIClassifications.WithLabelValues("ok").Inc()
	}
}

// RetrySweep re-sends the user's PENDING requests whose retry time has passed.
func (o *Orchestrator) RetrySweep(ctx context.Context, userID string) (*Report, error) {
	report := &Report{UserID: userID, StartedAt: o.now()}
	o.retry(ctx, userID, report)
	report.FinishedAt = o.now()
	return report, ctx.Err()
}

func (o *Orchestrator) retry(ctx context.Context, userID string, report *Report) {
	due, err := o.lifecycle.DueForRetry(ctx, userID, o.now())
	if err != nil {
		report.fail("", 0, fmt.Errorf("failed to list retries: %w", err))
		return
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		report.RetryAttempted++
		if _, err := o.lifecycle.Send(ctx, r.ID); err != nil {
			report.fail("", r.ID, err)
			continue
		}
		report.RetrySent++
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, userID, messageID string, err error) {
	o.log.WithFields(logrus.Fields{"user_id": userID, "message_id": messageID}).WithError(err).Warn("scan item failed")
	entry := activity.Entry(userID, domain.ActivityError, fmt.Sprintf("Failed to process message %s", messageID))
	entry.Details = err.Error()
	o.activity.Record(ctx, entry)
}
