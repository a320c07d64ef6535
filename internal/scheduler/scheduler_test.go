package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/logging"
	"github.com/eraser-privacy/optout/internal/scan"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	sweeps  []string
	block   chan struct{}
	started chan struct{}
	limited map[scan.Mode]bool
	aborted int
}

func (f *fakeRunner) Trigger(ctx context.Context, userID string, mode scan.Mode) (*scan.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID+":"+string(mode))
	block, started := f.block, f.started
	limited := f.limited[mode]
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			f.mu.Lock()
			f.aborted++
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	if limited {
		return nil, &domain.RateLimitError{Key: userID, RetryAfter: time.Minute}
	}
	return &scan.Report{UserID: userID, Mode: mode}, nil
}

func (f *fakeRunner) RetrySweep(_ context.Context, userID string) (*scan.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, userID)
	return &scan.Report{UserID: userID}, nil
}

func TestRunNowSingleFlight(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block, started: make(chan struct{}, 1)}
	s := New("0 2 * * *", runner, []string{"alice"}, logging.Discard())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "alice", scan.ModeInbox)
		done <- err
	}()
	<-runner.started

	_, err := s.RunNow(context.Background(), "alice", scan.ModeResponses)
	assert.ErrorIs(t, err, domain.ErrScanInProgress)

	// other users are not blocked
	runner.mu.Lock()
	runner.block = nil
	runner.started = nil
	runner.mu.Unlock()
	_, err = s.RunNow(context.Background(), "bob", scan.ModeInbox)
	require.NoError(t, err)

	close(block)
	require.NoError(t, <-done)

	_, err = s.RunNow(context.Background(), "alice", scan.ModeResponses)
	require.NoError(t, err)
}

func TestRunOnceSweepsEveryUser(t *testing.T) {
	runner := &fakeRunner{limited: map[scan.Mode]bool{scan.ModeResponses: true}}
	s := New("0 2 * * *", runner, []string{"alice", "bob"}, logging.Discard())

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{
		"alice:inbox", "alice:responses",
		"bob:inbox", "bob:responses",
	}, runner.calls)
	// the completed inbox scans already re-sent due requests
	assert.Empty(t, runner.sweeps)
}

func TestRunOnceRetriesWhenEveryScanIsLimited(t *testing.T) {
	runner := &fakeRunner{limited: map[scan.Mode]bool{scan.ModeInbox: true, scan.ModeResponses: true}}
	s := New("0 2 * * *", runner, []string{"alice", "bob"}, logging.Discard())

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, runner.calls, 4)
	assert.Equal(t, []string{"alice", "bob"}, runner.sweeps)
}

func TestStopWaitsForRunningSweep(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, len(scan.Modes))}
	s := New("@every 1s", runner, []string{"alice"}, logging.Discard())
	require.NoError(t, s.Start())

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not start")
	}

	require.NoError(t, s.Stop())
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, len(scan.Modes), runner.aborted)
	assert.Empty(t, runner.sweeps)
}

func TestStartStop(t *testing.T) {
	s := New("0 2 * * *", &fakeRunner{}, nil, logging.Discard())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.False(t, s.NextRun().IsZero())
	assert.Error(t, s.Start())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.True(t, s.NextRun().IsZero())
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New("not a cron spec", &fakeRunner{}, nil, logging.Discard())
	assert.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}

func TestRetryNow(t *testing.T) {
	runner := &fakeRunner{}
	s := New("0 2 * * *", runner, []string{"alice"}, logging.Discard())

	report, err := s.RetryNow(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", report.UserID)
	assert.Equal(t, []string{"alice"}, runner.sweeps)
}
