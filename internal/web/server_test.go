package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/logging"
	"github.com/eraser-privacy/optout/internal/metrics"
	"github.com/eraser-privacy/optout/internal/scan"
)

type stubScanner struct {
	err     error
	gotUser string
	gotMode scan.Mode
}

func (s *stubScanner) RunNow(_ context.Context, userID string, mode scan.Mode) (*scan.Report, error) {
	s.gotUser, s.gotMode = userID, mode
	if s.err != nil {
		return nil, s.err
	}
	return &scan.Report{UserID: userID, Mode: mode, Fetched: 3}, nil
}

func (s *stubScanner) RetryNow(_ context.Context, userID string) (*scan.Report, error) {
	s.gotUser = userID
	if s.err != nil {
		return nil, s.err
	}
	return &scan.Report{UserID: userID, RetryAttempted: 1}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(scanner Scanner, ping Pinger) (*httptest.Server, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	srv := NewServer("127.0.0.1:0", scanner, ping, reg, logging.Discard())
	return httptest.NewServer(srv.Handler()), reg
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestScanTrigger(t *testing.T) {
	scanner := &stubScanner{}
	ts, _ := newTestServer(scanner, stubPinger{})
	defer ts.Close()

	resp := post(t, ts.URL+"/api/users/alice/scans/responses")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", scanner.gotUser)
	assert.Equal(t, scan.ModeResponses, scanner.gotMode)

	var report scan.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 3, report.Fetched)
}

func TestScanTriggerErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantRetry  string
	}{
		{"bad mode", "/api/users/alice/scans/everything", nil, http.StatusBadRequest, ""},
		{"rate limited", "/api/users/alice/scans/inbox",
			&domain.RateLimitError{Key: "alice:inbox", RetryAfter: 90*time.Second + 300*time.Millisecond},
			http.StatusTooManyRequests, "91"},
		{"in progress", "/api/users/alice/scans/inbox",
			fmt.Errorf("user alice: %w", domain.ErrScanInProgress), http.StatusConflict, ""},
		{"unknown user", "/api/users/mallory/scans/inbox",
			fmt.Errorf("mailbox: %w", domain.ErrNotFound), http.StatusNotFound, ""},
		{"internal", "/api/users/alice/retry", errors.New("database is locked"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(&stubScanner{err: tt.err}, stubPinger{})
			defer ts.Close()

			resp := post(t, ts.URL+tt.path)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantRetry, resp.Header.Get("Retry-After"))
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(&stubScanner{}, stubPinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down, _ := newTestServer(&stubScanner{}, stubPinger{err: errors.New("closed")})
	defer down.Close()
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
