package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDailySchedule = "0 2 * * *"
	defaultWorkers       = 4
	defaultAIModel       = "gpt-4o-mini"
	apiKeyEnv            = "OPTOUT_OPENAI_API_KEY"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Database    DatabaseConfig   `yaml:"database"`
	BrokersFile string           `yaml:"brokers_file"`
	Users       []UserConfig     `yaml:"users"`
	Lifecycle   LifecycleConfig  `yaml:"lifecycle"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	AI          AIConfig         `yaml:"ai,omitempty"`
	Scan        ScanConfig       `yaml:"scan"`
	Schedule    ScheduleConfig   `yaml:"schedule"`
	Server      ServerConfig     `yaml:"server"`
	Logging     LoggingConfig    `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UserConfig is one mailbox owner with the transports used on their behalf
type UserConfig struct {
	ID    string      `yaml:"id"`
	Email string      `yaml:"email"`
	Name  string      `yaml:"name,omitempty"`
	Inbox InboxConfig `yaml:"inbox"`
	SMTP  SMTPConfig  `yaml:"smtp"`
	// Outbound picks the transport for deletion requests; SMTP is used by default
	Outbound OutboundConfig `yaml:"outbound,omitempty"`
}

// InboxConfig holds IMAP settings for reading broker mail
type InboxConfig struct {
	Provider string `yaml:"provider"` // "gmail", "outlook", "imap"
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` // app password
	Folder   string `yaml:"folder"`
}

type OutboundConfig struct {
	Provider string `yaml:"provider"` // "smtp", "sendgrid", "resend"
	APIKey   string `yaml:"api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// LifecycleConfig controls send retries.
//
// A failed send is retried after BackoffBase * BackoffMultiplier^(attempts-1),
// never later than BackoffMax. Once MaxAttempts sends have failed the request
// stays PENDING with its last error and is no longer picked up by the sweep.
type LifecycleConfig struct {
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

type ClassifierConfig struct {
	BrokerThreshold        float64 `yaml:"broker_threshold"`
	ExactMatchConfidence   float64 `yaml:"exact_match_confidence"`
	PartialMatchConfidence float64 `yaml:"partial_match_confidence"`
	KeywordConfidenceCap   float64 `yaml:"keyword_confidence_cap"`
	ResponseMinScore       int     `yaml:"response_min_score"`
	ResponseMinConfidence  float64 `yaml:"response_min_confidence"`
}

type AIConfig struct {
	Enabled bool          `yaml:"enabled"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Model   string        `yaml:"model,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type ScanConfig struct {
	Workers              int             `yaml:"workers"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
	InboxLookbackDays    int             `yaml:"inbox_lookback_days"`
	ResponseLookbackDays int             `yaml:"response_lookback_days"`
	MaxMessages          int             `yaml:"max_messages"`
}

// RateLimitConfig bounds how many scans a user may trigger per sliding window
type RateLimitConfig struct {
	MaxRuns int           `yaml:"max_runs"`
	Window  time.Duration `yaml:"window"`
}

type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Daily   string `yaml:"daily"` // cron spec, default 02:00 every day
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".optout", "config.yaml")
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "optout.db"
	}
	return filepath.Join(home, ".optout", "optout.db")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if key := os.Getenv(apiKeyEnv); key != "" {
		cfg.AI.APIKey = key
	}
	return &cfg, nil
}

// ApplyDefaults fills every zero-valued option with its default.
func (c *Config) ApplyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = DefaultDBPath()
	}
	if c.BrokersFile == "" {
		c.BrokersFile = "data/brokers.yaml"
	}

	for i := range c.Users {
		if c.Users[i].Outbound.Provider == "" {
			c.Users[i].Outbound.Provider = "smtp"
		}
		in := &c.Users[i].Inbox
		if in.Folder == "" {
			in.Folder = "INBOX"
		}
		if in.Username == "" {
			in.Username = c.Users[i].Email
		}
		if in.Provider == "gmail" && in.Server == "" {
			in.Server = "imap.gmail.com"
			in.Port = 993
		}
		if in.Provider == "outlook" && in.Server == "" {
			in.Server = "outlook.office365.com"
			in.Port = 993
		}
	}

	if c.Lifecycle.BackoffBase == 0 {
		c.Lifecycle.BackoffBase = 15 * time.Minute
	}
	if c.Lifecycle.BackoffMultiplier == 0 {
		c.Lifecycle.BackoffMultiplier = 2
	}
	if c.Lifecycle.BackoffMax == 0 {
		c.Lifecycle.BackoffMax = 24 * time.Hour
	}
	if c.Lifecycle.MaxAttempts == 0 {
		c.Lifecycle.MaxAttempts = 5
	}

	cl := &c.Classifier
	if cl.BrokerThreshold == 0 {
		cl.BrokerThreshold = 0.5
	}
	if cl.ExactMatchConfidence == 0 {
		cl.ExactMatchConfidence = 1.0
	}
	if cl.PartialMatchConfidence == 0 {
		cl.PartialMatchConfidence = 0.8
	}
	if cl.KeywordConfidenceCap == 0 {
		cl.KeywordConfidenceCap = 0.7
	}
	if cl.ResponseMinScore == 0 {
		cl.ResponseMinScore = 1
	}
	if cl.ResponseMinConfidence == 0 {
		cl.ResponseMinConfidence = 0.5
	}

	if c.AI.Model == "" {
		c.AI.Model = defaultAIModel
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 20 * time.Second
	}

	if c.Scan.Workers == 0 {
		c.Scan.Workers = defaultWorkers
	}
	if c.Scan.RateLimit.MaxRuns == 0 {
		c.Scan.RateLimit.MaxRuns = 5
	}
	if c.Scan.RateLimit.Window == 0 {
		c.Scan.RateLimit.Window = time.Hour
	}
	if c.Scan.InboxLookbackDays == 0 {
		c.Scan.InboxLookbackDays = 90
	}
	if c.Scan.ResponseLookbackDays == 0 {
		c.Scan.ResponseLookbackDays = 7
	}
	if c.Scan.MaxMessages == 0 {
		c.Scan.MaxMessages = 500
	}

	if c.Schedule.Daily == "" {
		c.Schedule.Daily = defaultDailySchedule
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("users: at least one user is required")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		seen[u.ID] = true
		if u.Email == "" {
			return fmt.Errorf("users[%d]: email is required", i)
		}
		switch u.Outbound.Provider {
		case "smtp":
			if u.SMTP.Host == "" || u.SMTP.Port == 0 {
				return fmt.Errorf("users[%d].smtp: host and port are required", i)
			}
		case "sendgrid", "resend":
			if u.Outbound.APIKey == "" {
				return fmt.Errorf("users[%d].outbound: api_key is required for %s", i, u.Outbound.Provider)
			}
		default:
			return fmt.Errorf("users[%d].outbound: unknown provider %q", i, u.Outbound.Provider)
		}
	}

	if c.Lifecycle.BackoffMultiplier < 1 {
		return fmt.Errorf("lifecycle: backoff_multiplier must be >= 1")
	}
	if c.Lifecycle.BackoffMax < c.Lifecycle.BackoffBase {
		return fmt.Errorf("lifecycle: backoff_max must not be below backoff_base")
	}

	for name, v := range map[string]float64{
		"broker_threshold":         c.Classifier.BrokerThreshold,
		"exact_match_confidence":   c.Classifier.ExactMatchConfidence,
		"partial_match_confidence": c.Classifier.PartialMatchConfidence,
		"keyword_confidence_cap":   c.Classifier.KeywordConfidenceCap,
		"response_min_confidence":  c.Classifier.ResponseMinConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("classifier: %s must be within [0, 1]", name)
		}
	}

	if c.AI.Enabled && c.AI.APIKey == "" {
		return fmt.Errorf("ai: api_key (or %s) is required when enabled", apiKeyEnv)
	}
	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan: workers must be >= 1")
	}
	return nil
}

// ValidateInbox validates IMAP settings for one user (only called when scanning)
func (u UserConfig) ValidateInbox() error {
	if u.Inbox.Username == "" {
		return fmt.Errorf("inbox: username is required")
	}
	if u.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if u.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if u.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

// FindUser returns the configured user with the given id, or nil.
func (c *Config) FindUser(id string) *UserConfig {
	for i := range c.Users {
		if c.Users[i].ID == id {
			return &c.Users[i]
		}
	}
	return nil
}
