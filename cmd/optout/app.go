package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/activity"
	"github.com/eraser-privacy/optout/internal/broker"
	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/inbox"
	"github.com/eraser-privacy/optout/internal/lifecycle"
	"github.com/eraser-privacy/optout/internal/logging"
	"github.com/eraser-privacy/optout/internal/mailbox"
	"github.com/eraser-privacy/optout/internal/metrics"
	"github.com/eraser-privacy/optout/internal/scan"
	"github.com/eraser-privacy/optout/internal/store"
	"github.com/eraser-privacy/optout/internal/template"
)

// app is every long-lived component, wired once per command.
type app struct {
	cfg          *config.Config
	log          *logrus.Logger
	brokers      *broker.BrokerDatabase
	store        *store.Store
	registry     *prometheus.Registry
	lifecycle    *lifecycle.Manager
	orchestrator *scan.Orchestrator
	mailboxes    *mailbox.Registry
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if fileExists("config.yaml") {
		return "config.yaml"
	}
	return config.DefaultConfigPath()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func resolveBrokerPath(cfg *config.Config) string {
	if brokerFile != "" {
		return brokerFile
	}
	if fileExists(cfg.BrokersFile) {
		return cfg.BrokersFile
	}
	// Fall back to a brokers file shipped next to the binary
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), "data", "brokers.yaml")
		if fileExists(p) {
			return p
		}
	}
	return cfg.BrokersFile
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	brokerDB, err := broker.Load(resolveBrokerPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to load brokers: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tmpl, err := template.NewEngine(nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize templates: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	recorder := activity.NewRecorder(st, log)
	mailboxes, err := mailbox.FromConfig(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	lm := lifecycle.New(lifecycle.Deps{
		Store:     st,
		Templates: tmpl,
		Mailboxes: mailboxes,
		Directory: brokerDB.Snapshot(),
		Activity:  recorder,
		Metrics:   m,
		Log:       log,
	}, lifecycle.OptionsFromConfig(cfg.Lifecycle))

	var ai inbox.AIClassifier
	if cfg.AI.Enabled {
		// assigning a nil *OpenAIClassifier would make the interface non-nil
		if c := inbox.NewOpenAIClassifier(cfg.AI.APIKey, cfg.AI.Model); c != nil {
			ai = c
		}
	}

	cl := cfg.Classifier
	orch := scan.New(scan.Deps{
		Store:     st,
		Lifecycle: lm,
		Mailboxes: mailboxes,
		Directory: brokerDB,
		Detector: inbox.NewDetector(inbox.DetectorOptions{
			Threshold:              cl.BrokerThreshold,
			ExactMatchConfidence:   cl.ExactMatchConfidence,
			PartialMatchConfidence: cl.PartialMatchConfidence,
			KeywordConfidenceCap:   cl.KeywordConfidenceCap,
		}),
		Classifier: inbox.NewResponseClassifier(inbox.ResponseOptions{
			MinScore:      cl.ResponseMinScore,
			MinConfidence: cl.ResponseMinConfidence,
			AITimeout:     cfg.AI.Timeout,
		}, ai, log),
		Activity: recorder,
		Metrics:  m,
		Log:      log,
	}, scan.OptionsFromConfig(cfg.Scan))

	return &app{
		cfg:          cfg,
		log:          log,
		brokers:      brokerDB,
		store:        st,
		registry:     registry,
		lifecycle:    lm,
		orchestrator: orch,
		mailboxes:    mailboxes,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) user(id string) (domain.User, error) {
	u := a.cfg.FindUser(id)
	if u == nil {
		return domain.User{}, fmt.Errorf("user %q: %w", id, domain.ErrNotFound)
	}
	return domain.User{ID: u.ID, Email: u.Email, Name: u.Name}, nil
}
