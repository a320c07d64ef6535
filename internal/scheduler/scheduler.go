package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/scan"
)

// Runner executes scans. *scan.Orchestrator satisfies it.
type Runner interface {
	Trigger(ctx context.Context, userID string, mode scan.Mode) (*scan.Report, error)
	RetrySweep(ctx context.Context, userID string) (*scan.Report, error)
}

// Scheduler runs the daily sweep and manual scans, never more than one scan
// per user at a time.
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	spec      string
	runner    Runner
	users     []string
	log       logrus.FieldLogger
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.RWMutex

	flightMu sync.Mutex
	inFlight map[string]bool
}

// New creates a scheduler firing spec (standard 5-field cron) for every user.
func New(spec string, runner Runner, users []string, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		spec:     spec,
		runner:   runner,
		users:    append([]string(nil), users...),
		log:      log.WithField("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]bool),
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	entryID, err := s.cron.AddFunc(s.spec, func() {
		if err := s.RunOnce(s.ctx); err != nil {
			s.log.WithError(err).Warn("daily sweep finished with errors")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %q: %w", s.spec, err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	s.log.WithField("schedule", s.spec).Info("scheduler started")
	return nil
}

// Stop cancels running scans and waits up to 30 seconds for a sweep in
// progress to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		s.log.Info("scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		s.log.Warn("scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// NextRun returns when the daily sweep fires next, or the zero time when stopped.
func (s *Scheduler) NextRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// acquire marks userID busy. ok is false when a scan is already running for it.
func (s *Scheduler) acquire(userID string) (release func(), ok bool) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	if s.inFlight[userID] {
		return nil, false
	}
	s.inFlight[userID] = true
	return func() {
		s.flightMu.Lock()
		delete(s.inFlight, userID)
		s.flightMu.Unlock()
	}, true
}

// RunNow runs one manual scan. It fails with domain.ErrScanInProgress while
// another scan for the user is running.
func (s *Scheduler) RunNow(ctx context.Context, userID string, mode scan.Mode) (*scan.Report, error) {
	release, ok := s.acquire(userID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrScanInProgress)
	}
	defer release()
	return s.runner.Trigger(ctx, userID, mode)
}

// RetryNow runs the retry sweep for one user under the same single-flight guard.
func (s *Scheduler) RetryNow(ctx context.Context, userID string) (*scan.Report, error) {
	release, ok := s.acquire(userID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrScanInProgress)
	}
	defer release()
	return s.runner.RetrySweep(ctx, userID)
}

// RunOnce performs the daily sweep: every scan mode for every user. Each
// completed scan re-sends due requests; a user whose scans all failed or were
// rate limited gets a standalone retry sweep. A busy user is skipped. Errors
// are joined and returned.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, userID := range s.users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.sweepUser(ctx, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) sweepUser(ctx context.Context, userID string) error {
	log := s.log.WithField("user_id", userID)

	release, ok := s.acquire(userID)
	if !ok {
		log.Info("scan in progress, skipping daily sweep")
		return nil
	}
	defer release()

	var errs []error
	retried := false
	for _, mode := range scan.Modes {
		report, err := s.runner.Trigger(ctx, userID, mode)
		if errors.Is(err, domain.ErrRateLimited) {
			log.WithField("mode", mode).WithError(err).Info("daily scan skipped")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s scan: %w", userID, mode, err))
			continue
		}
		retried = true
		log.WithFields(logrus.Fields{
			"mode":     mode,
			"fetched":  report.Fetched,
			"failures": len(report.Failures),
		}).Info("daily scan completed")
	}

	if !retried && ctx.Err() == nil {
		if _, err := s.runner.RetrySweep(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("%s retry sweep: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}
