package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "FILING_SCANNER_CONFIG"
	databaseDriverEnv = "DATABASE_DRIVER"
	databaseDSNEnv    = "DATABASE_DSN"
	blobRootEnv       = "BLOB_ROOT"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	chatGPTModelEnv   = "CHATGPT_MODEL"
	chatGPTEndpoint   = "CHATGPT_ENDPOINT"
	userAgentEnv      = "SEC_USER_AGENT"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	webhookURLEnv     = "WEBHOOK_URL"
	logLevelEnv       = "LOG_LEVEL"

	edgarFeedBase = "https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&CIK=&company=&dateb=&start=0&count=40&output=atom"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Blob          BlobConfig         `yaml:"blob"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Poller        PollerConfig       `yaml:"poller"`
	Fetcher       FetcherConfig      `yaml:"fetcher"`
	Analysis      AnalysisConfig     `yaml:"analysis"`
	Severity      SeverityConfig     `yaml:"severity"`
	Linker        LinkerConfig       `yaml:"linker"`
	Notifier      NotifierConfig     `yaml:"notifier"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sources       []SourceConfig     `yaml:"sources"`
}

// LoggingConfig selects slog level and handler format ("text" or "json").
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the structured store. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BlobConfig selects where raw filings are kept. Backend is "fs" or "gcs".
type BlobConfig struct {
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// SchedulerConfig defines how often sources are polled.
type SchedulerConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// PollerConfig controls watermark handling.
type PollerConfig struct {
	Overlap         time.Duration `yaml:"overlap"`
	InitialLookback time.Duration `yaml:"initialLookback"`
}

// FetcherConfig bounds content retrieval.
type FetcherConfig struct {
	Workers           int           `yaml:"workers"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxBytes          int64         `yaml:"maxBytes"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	UserAgent         string        `yaml:"userAgent"`
}

// AnalysisConfig bounds the enrichment stages.
type AnalysisConfig struct {
	Workers         int           `yaml:"workers"`
	TimeBudget      time.Duration `yaml:"timeBudget"`
	StageTimeout    time.Duration `yaml:"stageTimeout"`
	MaxContentChars int           `yaml:"maxContentChars"`
	MaxSummaryChars int           `yaml:"maxSummaryChars"`
}

// SeverityConfig maps event categories to risk levels.
// Forms overrides Categories per filing type; any CriticalKeywords hit in a description escalates to critical.
type SeverityConfig struct {
	Categories       map[string]string            `yaml:"categories"`
	Forms            map[string]map[string]string `yaml:"forms"`
	CriticalKeywords []string                     `yaml:"criticalKeywords"`
}

// LinkerConfig holds entity resolution thresholds.
type LinkerConfig struct {
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	AmbiguityMargin     float64 `yaml:"ambiguityMargin"`
	MergeThreshold      float64 `yaml:"mergeThreshold"`
}

// NotifierConfig bounds the replay window and sets up push sinks.
type NotifierConfig struct {
	ReplaySize   int           `yaml:"replaySize"`
	ReplayWindow time.Duration `yaml:"replayWindow"`
	PushTimeout  time.Duration `yaml:"pushTimeout"`
	ListenAddr   string        `yaml:"listenAddr"`
	WebhookURL   string        `yaml:"webhookUrl"`
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"apiKey"`
	SystemPrompt      string  `yaml:"systemPrompt"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"maxTokens"`
	RequestsPerMinute int     `yaml:"requestsPerMinute"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// SourceConfig describes a single filing source with its scanner strategy.
type SourceConfig struct {
	Name              string            `yaml:"name"`
	Scanner           string            `yaml:"scanner"`
	Feeds             []FeedConfig      `yaml:"feeds"`
	Options           map[string]string `yaml:"options"`
	RecheckAmendments bool              `yaml:"recheckAmendments"`
}

// FeedConfig holds a concrete endpoint to poll.
type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Load reads YAML configuration from $FILING_SCANNER_CONFIG (if set) and applies environment overrides.
func Load() (Config, error) {
	return LoadFile(os.Getenv(configPathEnv))
}

// LoadFile decodes path over the defaults. An empty path yields defaults plus environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	if len(cfg.Sources) == 0 {
		cfg.Sources = defaultSources()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(blobRootEnv); v != "" {
		c.Blob.Root = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	if v := os.Getenv(chatGPTEndpoint); v != "" {
		c.ChatGPT.Endpoint = v
	}

	if v := os.Getenv(userAgentEnv); v != "" {
		c.Fetcher.UserAgent = v
	}

	if v := os.Getenv(webhookURLEnv); v != "" {
		c.Notifier.WebhookURL = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, _ = time.LoadLocation(defaultTimezone)
		c.Scheduler.Timezone = defaultTimezone
	}
	c.Scheduler.location = loc
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is empty")
	}
	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Root == "" {
			errs = append(errs, "blob.root is required for the fs backend")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob.bucket is required for the gcs backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("blob.backend %q is not fs or gcs", c.Blob.Backend))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}
	if c.Poller.Overlap < 0 {
		errs = append(errs, "poller.overlap must not be negative")
	}
	if c.Fetcher.Workers < 1 || c.Analysis.Workers < 1 {
		errs = append(errs, "fetcher.workers and analysis.workers must be at least 1")
	}
	if c.Fetcher.MaxAttempts < 1 {
		errs = append(errs, "fetcher.maxAttempts must be at least 1")
	}
	if strings.TrimSpace(c.Fetcher.UserAgent) == "" {
		errs = append(errs, "fetcher.userAgent is required by SEC fair access rules")
	}
	if c.Analysis.TimeBudget <= 0 || c.Analysis.StageTimeout <= 0 {
		errs = append(errs, "analysis.timeBudget and analysis.stageTimeout must be positive")
	}
	if t := c.Linker.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, "linker.similarityThreshold must be in (0, 1]")
	}
	if c.Notifier.ReplaySize < 1 {
		errs = append(errs, "notifier.replaySize must be at least 1")
	}
	seen := map[string]bool{}
	for _, src := range c.Sources {
		if src.Name == "" || src.Scanner == "" {
			errs = append(errs, "every source needs a name and a scanner")
			continue
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Sprintf("source %q is declared twice", src.Name))
		}
		seen[src.Name] = true
	}
	if len(errs) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Defaults returns the built-in configuration without file or environment input.
func Defaults() Config {
	cfg := defaultConfig()
	cfg.Sources = defaultSources()
	return cfg
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Database:  DatabaseConfig{Driver: "sqlite", DSN: "file:filingscanner.db"},
		Blob:      BlobConfig{Backend: "fs", Root: "data/blobs"},
		Scheduler: SchedulerConfig{Interval: 5 * time.Minute, Timezone: defaultTimezone, location: tz},
		Poller:    PollerConfig{Overlap: 15 * time.Minute, InitialLookback: 24 * time.Hour},
		Fetcher: FetcherConfig{
			Workers:           4,
			MaxAttempts:       4,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			Timeout:           45 * time.Second,
			MaxBytes:          50 << 20,
			RequestsPerSecond: 8,
			UserAgent:         "FilingScanner/1.0 (contact@example.com)",
		},
		Analysis: AnalysisConfig{
			Workers:         2,
			TimeBudget:      4 * time.Minute,
			StageTimeout:    60 * time.Second,
			MaxContentChars: 25000,
			MaxSummaryChars: 1200,
		},
		Severity: defaultSeverity(),
		Linker: LinkerConfig{
			SimilarityThreshold: 0.88,
			AmbiguityMargin:     0.03,
			MergeThreshold:      0.95,
		},
		Notifier: NotifierConfig{
			ReplaySize:   512,
			ReplayWindow: 15 * time.Minute,
			PushTimeout:  10 * time.Second,
			ListenAddr:   ":8090",
		},
		ChatGPT: ChatGPTConfig{
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-4o-mini",
			SystemPrompt:      "You are a financial analyst who reads SEC filings and answers strictly in the requested JSON format.",
			Temperature:       0,
			MaxTokens:         1500,
			RequestsPerMinute: 60,
		},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{BotToken: "", ChatID: ""},
		},
	}
}

func defaultSeverity() SeverityConfig {
	return SeverityConfig{
		Categories: map[string]string{
			"default-bankruptcy":    "critical",
			"acquisition-merger":    "high",
			"regulatory-issue":      "high",
			"restructuring":         "high",
			"accounting-change":     "high",
			"management-change":     "medium",
			"divestiture":           "medium",
			"financial-results":     "medium",
			"legal-settlement":      "medium",
			"insider-trading":       "medium",
			"stock-buyback":         "low",
			"dividend-announcement": "low",
			"strategic-partnership": "low",
			"product-launch":        "low",
			"other-material-event":  "low",
		},
		Forms: map[string]map[string]string{
			"10-Q": {"financial-results": "low"},
			"10-K": {"financial-results": "low"},
		},
		CriticalKeywords: []string{"bankruptcy", "restatement", "going concern", "chapter 11", "delisting", "default"},
	}
}

func defaultSources() []SourceConfig {
	feed := func(name, form, owner string) FeedConfig {
		return FeedConfig{Name: name, URL: edgarFeedBase + "&type=" + form + "&owner=" + owner}
	}
	return []SourceConfig{
		{
			Name:    "edgar-feeds",
			Scanner: "edgar-atom",
			Feeds: []FeedConfig{
				feed("latest_filings", "", "include"),
				feed("form_8k", "8-K", "exclude"),
				feed("form_10k", "10-K", "exclude"),
				feed("form_10q", "10-Q", "exclude"),
				feed("form_4", "4", "only"),
				feed("form_s1", "S-1", "exclude"),
			},
			RecheckAmendments: true,
		},
	}
}
