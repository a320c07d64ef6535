package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	ScanRuns          *prometheus.CounterVec
	ScanRateLimited   *prometheus.CounterVec
	ScanDuration      *prometheus.HistogramVec
	MessagesFetched   *prometheus.CounterVec
	BrokerEmails      prometheus.Counter
	ResponsesMatched  *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	SendAttempts      *prometheus.CounterVec
	AIClassifications *prometheus.CounterVec
	ScanItemFailures  *prometheus.CounterVec
	ScansInProgress   prometheus.Gauge
}

// New registers all metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ScanRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_scan_runs_total",
			Help: "Total number of scans started, by mode",
		}, []string{"mode"}),
		ScanRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_scan_rate_limited_total",
			Help: "Total number of scan triggers rejected by the rate limiter",
		}, []string{"mode"}),
		ScanDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optout_scan_duration_seconds",
			Help:    "Time spent running a scan",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		MessagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_messages_fetched_total",
			Help: "Total number of mailbox messages fetched",
		}, []string{"mode"}),
		BrokerEmails: f.NewCounter(prometheus.CounterOpts{
			Name: "optout_broker_emails_detected_total",
			Help: "Total number of inbound emails classified as broker mail",
		}),
		ResponsesMatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_responses_matched_total",
			Help: "Broker responses by matching signal (none when unmatched)",
		}, []string{"signal"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_request_transitions_total",
			Help: "Deletion request status transitions",
		}, []string{"to"}),
		SendAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_send_attempts_total",
			Help: "Deletion request send attempts by outcome",
		}, []string{"outcome"}),
		AIClassifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_ai_classifications_total",
			Help: "AI classification calls by outcome",
		}, []string{"outcome"}),
		ScanItemFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_scan_item_failures_total",
			Help: "Per-message failures collected during scans",
		}, []string{"mode"}),
		ScansInProgress: f.NewGauge(prometheus.GaugeOpts{
			Name: "optout_scans_in_progress",
			Help: "Number of scans currently running",
		}),
	}
}
