package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/scan"
)

// Scanner runs scans with per-user single-flight. *scheduler.Scheduler satisfies it.
type Scanner interface {
	RunNow(ctx context.Context, userID string, mode scan.Mode) (*scan.Report, error)
	RetryNow(ctx context.Context, userID string) (*scan.Report, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	scanner    Scanner
	health     Pinger
	gatherer   prometheus.Gatherer
	log        logrus.FieldLogger
	httpServer *http.Server
	addr       string
}

// NewServer serves the scan trigger API on addr. A nil gatherer uses the
// default Prometheus registry.
func NewServer(addr string, scanner Scanner, health Pinger, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		scanner:  scanner,
		health:   health,
		gatherer: gatherer,
		log:      log.WithField("component", "web"),
		addr:     addr,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // a scan may fetch hundreds of messages
		IdleTimeout:  60 * time.Second,
	}

	s.log.WithField("addr", s.addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/users/{userID}", func(r chi.Router) {
		r.Post("/scans/{mode}", s.handleScan)
		r.Post("/retry", s.handleRetry)
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	mode, err := scan.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.scanner.RunNow(r.Context(), userID, mode)
	if err != nil {
		s.writeScanError(w, userID, err, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	report, err := s.scanner.RetryNow(r.Context(), userID)
	if err != nil {
		s.writeScanError(w, userID, err, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeScanError maps scan failures onto HTTP statuses.
func (s *Server) writeScanError(w http.ResponseWriter, userID string, err error, report *scan.Report) {
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(rl.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrScanInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; report what was committed
		writeJSON(w, http.StatusAccepted, report)
	default:
		s.log.WithField("user_id", userID).WithError(err).Error("scan failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
	}
}
