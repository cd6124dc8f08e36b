package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageRAM    = "ram"
	StorageSQLite = "sqlite"
	StorageNATS   = "nats"
)

// Queue backends.
const (
	QueueInMemory  = "inmem"
	QueueSQLite    = "sqlite"
	QueueJetStream = "jetstream"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
	Model   string `yaml:"model"`
}

// LLMConfig selects the reasoning backend.
type LLMConfig struct {
	// Provider names the active backend: "mock", "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's
	// circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open. Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// MockLatencyMS adds an artificial delay to every mock response.
	MockLatencyMS int `yaml:"mock_latency_ms"`
}

type RAMConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type StorageConfig struct {
	Backend           string       `yaml:"backend"`
	RAM               RAMConfig    `yaml:"ram"`
	SQLite            SQLiteConfig `yaml:"sqlite"`
	DefaultTTLSeconds int          `yaml:"default_ttl_seconds"`
}

type QueueConfig struct {
	Backend             string `yaml:"backend"`
	Workers             int    `yaml:"workers"`
	MaxRetries          int    `yaml:"max_retries"`
	BackoffStrategy     string `yaml:"backoff_strategy"`
	BackoffBaseMS       int    `yaml:"backoff_base_ms"`
	PopTimeoutMS        int    `yaml:"pop_timeout_ms"`
	PollIntervalMS      int    `yaml:"poll_interval_ms"`
	RequeuePauseMS      int    `yaml:"requeue_pause_ms"`
	CrashPauseMS        int    `yaml:"crash_pause_ms"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Bucket  string `yaml:"bucket"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	Durable string `yaml:"durable"`
}

type PlannerConfig struct {
	Enabled bool `yaml:"enabled"`
	// StrictPlan fails the workflow when the plan is malformed or empty.
	StrictPlan bool `yaml:"strict_plan"`
}

type WorkerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	PoolSize  int    `yaml:"pool_size"`
	Separator string `yaml:"separator"`
}

type ReviewerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type AgentsConfig struct {
	Planner  PlannerConfig  `yaml:"planner"`
	Workers  WorkerConfig   `yaml:"workers"`
	Reviewer ReviewerConfig `yaml:"reviewer"`
}

type ToolsConfig struct {
	// LogRoots lists directories LOG_ANALYZER may read real files from.
	// Empty means the built-in sample log is always used.
	LogRoots     []string `yaml:"log_roots"`
	LogLineLimit int      `yaml:"log_line_limit"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type GatewayConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// AllowOrigins controls which Origin headers are accepted for event streams.
	AllowOrigins []string `yaml:"allow_origins"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type MaintenanceConfig struct {
	PurgeSchedule      string `yaml:"purge_schedule"`
	QueueDepthSchedule string `yaml:"queue_depth_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Storage     StorageConfig             `yaml:"storage"`
	Queue       QueueConfig               `yaml:"queue"`
	NATS        NATSConfig                `yaml:"nats"`
	Agents      AgentsConfig              `yaml:"agents"`
	LLM         LLMConfig                 `yaml:"llm"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Tools       ToolsConfig               `yaml:"tools"`
	Gateway     GatewayConfig             `yaml:"gateway"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
}

// DefaultTTL returns the storage default TTL.
func (c Config) DefaultTTL() time.Duration {
	return time.Duration(c.Storage.DefaultTTLSeconds) * time.Second
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseMS) * time.Millisecond
}

func (c Config) PopTimeout() time.Duration {
	return time.Duration(c.Queue.PopTimeoutMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

func (c Config) RequeuePause() time.Duration {
	return time.Duration(c.Queue.RequeuePauseMS) * time.Millisecond
}

func (c Config) CrashPause() time.Duration {
	return time.Duration(c.Queue.CrashPauseMS) * time.Millisecond
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Queue.TaskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Queue.DrainTimeoutSeconds) * time.Second
}

// SQLitePath returns the database path, defaulting to <home>/triage.db.
func (c Config) SQLitePath() string {
	if c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.HomeDir, "triage.db")
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ModelFor returns the configured model for a provider, or "" for the plugin default.
func (c Config) ModelFor(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.Model != "" {
		return p.Model
	}
	switch provider {
	case "google":
		return c.LLM.GeminiModel
	case "anthropic":
		return c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		return c.LLM.OpenAIModel
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|storage=%s/%d/%d|queue=%s/%d/%d/%s/%d|agents=%t/%t/%t/%t/%d|llm=%s/%v",
		c.BindAddr, c.LogLevel,
		c.Storage.Backend, c.Storage.RAM.MaxEntries, c.Storage.DefaultTTLSeconds,
		c.Queue.Backend, c.Queue.Workers, c.Queue.MaxRetries, c.Queue.BackoffStrategy, c.Queue.BackoffBaseMS,
		c.Agents.Planner.Enabled, c.Agents.Planner.StrictPlan, c.Agents.Workers.Enabled, c.Agents.Reviewer.Enabled, c.Agents.Workers.PoolSize,
		c.LLM.Provider, c.LLM.FallbackProviders)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:           StorageRAM,
			RAM:               RAMConfig{MaxEntries: 100_000},
			DefaultTTLSeconds: 3600,
		},
		Queue: QueueConfig{
			Backend:             QueueInMemory,
			Workers:             4,
			MaxRetries:          3,
			BackoffStrategy:     BackoffExponential,
			BackoffBaseMS:       1000,
			PopTimeoutMS:        2000,
			PollIntervalMS:      100,
			RequeuePauseMS:      50,
			CrashPauseMS:        1000,
			TaskTimeoutSeconds:  600,
			DrainTimeoutSeconds: 5,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Bucket:  "TRIAGE_STATE",
			Stream:  "TRIAGE_TASKS",
			Subject: "triage.tasks",
			Durable: "triage-engine",
		},
		Agents: AgentsConfig{
			Planner:  PlannerConfig{Enabled: true, StrictPlan: true},
			Workers:  WorkerConfig{Enabled: true, PoolSize: 4, Separator: "\n --------- \n"},
			Reviewer: ReviewerConfig{Enabled: true},
		},
		LLM: LLMConfig{
			Provider:                "mock",
			GeminiModel:             "gemini-2.5-flash",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Tools: ToolsConfig{LogLineLimit: 50},
		Gateway: GatewayConfig{
			RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 10},
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "triaged",
			SampleRate:  1.0,
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:      "*/5 * * * *",
			QueueDepthSchedule: "* * * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TRIAGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".triage")
}

// Load reads <home>/config.yaml over the defaults and applies env overrides.
// A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create triage home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	cfg.Queue.BackoffStrategy = strings.ToLower(strings.TrimSpace(cfg.Queue.BackoffStrategy))
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Agents.Workers.Separator == "" {
		cfg.Agents.Workers.Separator = "\n --------- \n"
	}
	if cfg.Tools.LogLineLimit <= 0 {
		cfg.Tools.LogLineLimit = 50
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		cfg.Queue.PollIntervalMS = 100
	}
	if cfg.Queue.DrainTimeoutSeconds <= 0 {
		cfg.Queue.DrainTimeoutSeconds = 5
	}
}

// Validate rejects unknown backends and non-positive sizes.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case StorageRAM, StorageSQLite, StorageNATS:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case QueueInMemory, QueueSQLite, QueueJetStream:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Queue.BackoffStrategy {
	case BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff strategy %q", c.Queue.BackoffStrategy)
	}
	switch c.LLM.Provider {
	case "mock", "google", "anthropic", "openai", "openai_compatible", "openrouter":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	positive := []struct {
		name  string
		value int
	}{
		{"storage.ram.max_entries", c.Storage.RAM.MaxEntries},
		{"storage.default_ttl_seconds", c.Storage.DefaultTTLSeconds},
		{"queue.workers", c.Queue.Workers},
		{"queue.backoff_base_ms", c.Queue.BackoffBaseMS},
		{"queue.pop_timeout_ms", c.Queue.PopTimeoutMS},
		{"queue.task_timeout_seconds", c.Queue.TaskTimeoutSeconds},
		{"agents.workers.pool_size", c.Agents.Workers.PoolSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.RequeuePauseMS < 0 || c.Queue.CrashPauseMS < 0 {
		return fmt.Errorf("queue pauses must not be negative")
	}
	if c.Gateway.RateLimit.Enabled && (c.Gateway.RateLimit.RequestsPerMinute <= 0 || c.Gateway.RateLimit.Burst <= 0) {
		return fmt.Errorf("gateway.rate_limit requires positive requests_per_minute and burst")
	}
	if (c.Storage.Backend == StorageNATS || c.Queue.Backend == QueueJetStream) && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required for the nats storage or jetstream queue backend")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRIAGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TRIAGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TRIAGE_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Workers = v
		}
	}
	if raw := os.Getenv("TRIAGE_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxRetries = v
		}
	}
	if raw := os.Getenv("TRIAGE_STORAGE_BACKEND"); raw != "" {
		cfg.Storage.Backend = raw
	}
	if raw := os.Getenv("TRIAGE_QUEUE_BACKEND"); raw != "" {
		cfg.Queue.Backend = raw
	}
	if raw := os.Getenv("TRIAGE_NATS_URL"); raw != "" {
		cfg.NATS.URL = raw
	}
	if raw := os.Getenv("TRIAGE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
}
