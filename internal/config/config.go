// Package config loads the malhub configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/mcp"
	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for malhub.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	MCP           MCPConfig           `yaml:"mcp"`
	Agent         AgentConfig         `yaml:"agent"`
	Agents        []agent.Variant     `yaml:"agents"`
	Store         StoreConfig         `yaml:"store"`
	Locks         LocksConfig         `yaml:"locks"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// allows same-origin requests only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	BaseURL      string        `yaml:"base_url"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Timeout      time.Duration `yaml:"timeout"`
}

// MCPConfig points at the remote tool catalog.
type MCPConfig struct {
	URL     string            `yaml:"url"`
	APIKey  string            `yaml:"api_key"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// ServerConfig converts the catalog settings for the MCP client.
func (c MCPConfig) ServerConfig() *mcp.ServerConfig {
	return &mcp.ServerConfig{URL: c.URL, APIKey: c.APIKey, Headers: c.Headers, Timeout: c.Timeout}
}

type AgentConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	MaxTokens       int           `yaml:"max_tokens"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ToolConcurrency int           `yaml:"tool_concurrency"`
	ToolRetries     int           `yaml:"tool_retries"`

	// TurnTimeout bounds a whole invocation. Zero means no limit.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	DestructiveTools []string `yaml:"destructive_tools"`

	// RetryableTools are glob patterns of read-only tools that may be
	// retried after a transport error. Every other tool runs at most once.
	RetryableTools []string `yaml:"retryable_tools"`
}

type StoreConfig struct {
	// Driver is one of sqlite, sqlite3, postgres or memory.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type LocksConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type ScheduleConfig struct {
	DailySummary DailySummaryConfig `yaml:"daily_summary"`
}

// DailySummaryConfig schedules the daily_summary agent. An empty Cron
// disables the job.
type DailySummaryConfig struct {
	Cron     string `yaml:"cron"`
	Prompt   string `yaml:"prompt"`
	Timezone string `yaml:"timezone"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing. An empty Endpoint disables it.
type TracingConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

var knownProviders = map[string]bool{
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
	ProviderGoogle:    true,
	ProviderOllama:    true,
}

// Load reads, merges and validates the configuration at path. An empty path
// yields the defaults plus environment fallbacks.
func Load(path string) (*Config, error) {
	raw := map[string]any{}
	if strings.TrimSpace(path) != "" {
		var err error
		raw, err = LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given, without
// environment fallbacks.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnv fills settings the file left empty from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	fill := func(provider string, apply func(p *LLMProviderConfig)) {
		p := cfg.LLM.Providers[provider]
		apply(&p)
		if p != (LLMProviderConfig{}) {
			cfg.LLM.Providers[provider] = p
		}
	}
	setIfEmpty := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, key := range keys {
			if v := strings.TrimSpace(getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}

	fill(ProviderOpenAI, func(p *LLMProviderConfig) {
		setIfEmpty(&p.APIKey, "OPENAI_API_KEY")
		setIfEmpty(&p.DefaultModel, "OPENAI_MODEL")
		setIfEmpty(&p.BaseURL, "OPENAI_BASE_URL")
	})
	fill(ProviderAnthropic, func(p *LLMProviderConfig) {
		setIfEmpty(&p.APIKey, "ANTHROPIC_API_KEY")
	})
	fill(ProviderGoogle, func(p *LLMProviderConfig) {
		setIfEmpty(&p.APIKey, "GOOGLE_API_KEY", "GEMINI_API_KEY")
	})
	fill(ProviderOllama, func(p *LLMProviderConfig) {
		setIfEmpty(&p.BaseURL, "OLLAMA_HOST")
	})

	setIfEmpty(&cfg.MCP.URL, "MCP_SERVER_URL")
	setIfEmpty(&cfg.MCP.APIKey, "MCP_API_KEY")
	setIfEmpty(&cfg.Logging.Level, "LOG_LEVEL")
	if cfg.Server.Port == 0 {
		if port, err := strconv.Atoi(getenv("BACKEND_PORT")); err == nil {
			cfg.Server.Port = port
		}
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		if origins := getenv("CORS_ORIGINS"); origins != "" {
			for _, o := range strings.Split(origins, ",") {
				if o = strings.TrimSpace(o); o != "" {
					cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
				}
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = ProviderOpenAI
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	if p := cfg.LLM.Providers[ProviderOpenAI]; p.DefaultModel == "" && cfg.LLM.DefaultProvider == ProviderOpenAI {
		p.DefaultModel = "gpt-4o"
		cfg.LLM.Providers[ProviderOpenAI] = p
	}
	if cfg.MCP.URL == "" {
		cfg.MCP.URL = mcp.DefaultURL
	}
	if cfg.MCP.Timeout == 0 {
		cfg.MCP.Timeout = 30 * time.Second
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = agent.DefaultMaxIterations
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Agent.ToolConcurrency == 0 {
		cfg.Agent.ToolConcurrency = 5
	}
	if cfg.Agent.DestructiveTools == nil {
		cfg.Agent.DestructiveTools = append([]string(nil), agent.DefaultDestructiveTools...)
	}
	if cfg.Agent.RetryableTools == nil {
		cfg.Agent.RetryableTools = append([]string(nil), agent.DefaultRetryableTools...)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && strings.HasPrefix(cfg.Store.Driver, "sqlite") {
		cfg.Store.DSN = "malhub.db"
	}
	if cfg.Locks.WaitTimeout == 0 {
		cfg.Locks.WaitTimeout = 30 * time.Second
	}
	if cfg.Schedule.DailySummary.Prompt == "" {
		cfg.Schedule.DailySummary.Prompt = "Generate today's daily summary for the team."
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "malhub"
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !knownProviders[c.LLM.DefaultProvider] {
		add("llm.default_provider %q is not one of openai, anthropic, google, ollama", c.LLM.DefaultProvider)
	}
	for name := range c.LLM.Providers {
		if !knownProviders[name] {
			add("llm.providers.%s is not a known provider", name)
		}
	}
	if err := c.MCP.ServerConfig().Validate(); err != nil {
		add("mcp: %v", err)
	}
	if c.Agent.MaxIterations < 1 {
		add("agent.max_iterations must be positive")
	}
	if c.Agent.ToolTimeout < 0 || c.Agent.TurnTimeout < 0 {
		add("agent timeouts must not be negative")
	}
	if c.Agent.ToolRetries < 0 {
		add("agent.tool_retries must not be negative")
	}
	seen := map[string]bool{}
	for i, v := range c.Agents {
		if strings.TrimSpace(v.Name) == "" {
			add("agents[%d].name is required", i)
			continue
		}
		if seen[v.Name] {
			add("agents[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = true
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	default:
		add("store.driver %q is not one of sqlite, sqlite3, postgres, memory", c.Store.Driver)
	}
	if c.Locks.WaitTimeout < 0 {
		add("locks.wait_timeout must not be negative")
	}
	if spec := c.Schedule.DailySummary.Cron; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("schedule.daily_summary.cron: %v", err)
		}
	}
	if tz := c.Schedule.DailySummary.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("schedule.daily_summary.timezone: %v", err)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q is not one of json, text", c.Logging.Format)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Variants returns the built-in agent variants with configured overrides applied.
func (c *Config) Variants() []agent.Variant {
	return agent.MergeVariants(agent.DefaultVariants(), c.Agents)
}
