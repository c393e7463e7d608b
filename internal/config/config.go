package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for pulse-coder.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Compaction CompactionConfig `yaml:"compaction"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Skills     SkillsConfig     `yaml:"skills"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	InternalSecret string `yaml:"internal_secret"`
}

type LLMConfig struct {
	Provider            string `yaml:"provider"`
	APIKey              string `yaml:"api_key"`
	BaseURL             string `yaml:"base_url"`
	Model               string `yaml:"model"`
	AnthropicAPIKey     string `yaml:"anthropic_api_key"`
	AnthropicModel      string `yaml:"anthropic_model"`
	ContextWindowTokens int    `yaml:"context_window_tokens"`
}

type AgentConfig struct {
	MaxSteps      int `yaml:"max_steps"`
	MaxErrorCount int `yaml:"max_error_count"`
}

type CompactionConfig struct {
	// TriggerTokens and TargetTokens are absolute token thresholds.
	// Zero derives them from the context window (75% and 50%).
	TriggerTokens    int `yaml:"trigger_tokens"`
	TargetTokens     int `yaml:"target_tokens"`
	KeepLastTurns    int `yaml:"keep_last_turns"`
	SummaryMaxTokens int `yaml:"summary_max_tokens"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// TriggerThreshold returns the compaction trigger in tokens for the
// given context window.
func (c CompactionConfig) TriggerThreshold(window int) int {
	if c.TriggerTokens > 0 {
		return c.TriggerTokens
	}
	return window * 3 / 4
}

// TargetThreshold returns the post-compaction token target for the
// given context window.
func (c CompactionConfig) TargetThreshold(window int) int {
	if c.TargetTokens > 0 {
		return c.TargetTokens
	}
	return window / 2
}

type SessionsConfig struct {
	// Backend is one of memory, sqlite, postgres.
	Backend   string          `yaml:"backend"`
	DSN       string          `yaml:"dsn"`
	Retention RetentionConfig `yaml:"retention"`
}

type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxIdle  time.Duration `yaml:"max_idle"`
	Schedule string        `yaml:"schedule"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Web      WebConfig      `yaml:"web"`
}

type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SkillsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type ToolsConfig struct {
	Workspace    string `yaml:"workspace"`
	MaxReadBytes int64  `yaml:"max_read_bytes"`
	FetchEnabled bool   `yaml:"fetch_enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load reads the configuration file at path, applies environment
// overrides and defaults. An empty path yields an env-and-defaults-only
// configuration so the runtime starts with nothing but OPENAI_API_KEY set.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	envStr(&cfg.LLM.BaseURL, "OPENAI_API_URL")
	envStr(&cfg.LLM.Model, "OPENAI_MODEL")
	envStr(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envInt(&cfg.LLM.ContextWindowTokens, "CONTEXT_WINDOW_TOKENS")
	envInt(&cfg.Compaction.TriggerTokens, "COMPACT_TRIGGER")
	envInt(&cfg.Compaction.TargetTokens, "COMPACT_TARGET")
	envInt(&cfg.Compaction.KeepLastTurns, "KEEP_LAST_TURNS")
	envInt(&cfg.Compaction.SummaryMaxTokens, "COMPACT_SUMMARY_MAX_TOKENS")
	envInt(&cfg.Compaction.MaxAttempts, "MAX_COMPACTION_ATTEMPTS")
	envStr(&cfg.Server.InternalSecret, "INTERNAL_API_SECRET")
	envStr(&cfg.Server.Addr, "HTTP_ADDR")
	envStr(&cfg.Sessions.DSN, "SESSIONS_DB")
	envStr(&cfg.Channels.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	envStr(&cfg.Channels.Slack.BotToken, "SLACK_BOT_TOKEN")
	envStr(&cfg.Channels.Slack.SigningSecret, "SLACK_SIGNING_SECRET")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.AnthropicModel == "" {
		cfg.LLM.AnthropicModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.ContextWindowTokens == 0 {
		cfg.LLM.ContextWindowTokens = 128000
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 25
	}
	if cfg.Agent.MaxErrorCount == 0 {
		cfg.Agent.MaxErrorCount = 3
	}
	if cfg.Compaction.KeepLastTurns == 0 {
		cfg.Compaction.KeepLastTurns = 6
	}
	if cfg.Compaction.SummaryMaxTokens == 0 {
		cfg.Compaction.SummaryMaxTokens = 2048
	}
	if cfg.Compaction.MaxAttempts == 0 {
		cfg.Compaction.MaxAttempts = 2
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Sessions.Retention.MaxIdle == 0 {
		cfg.Sessions.Retention.MaxIdle = 30 * 24 * time.Hour
	}
	if cfg.Sessions.Retention.Schedule == "" {
		cfg.Sessions.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Skills.Dir == "" {
		cfg.Skills.Dir = "skills"
	}
	if cfg.Tools.Workspace == "" {
		cfg.Tools.Workspace = "."
	}
	if cfg.Tools.MaxReadBytes == 0 {
		cfg.Tools.MaxReadBytes = 256 * 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps < 1 || c.Agent.MaxSteps > 100 {
		return fmt.Errorf("agent.max_steps must be between 1 and 100, got %d", c.Agent.MaxSteps)
	}
	trigger := c.Compaction.TriggerThreshold(c.LLM.ContextWindowTokens)
	target := c.Compaction.TargetThreshold(c.LLM.ContextWindowTokens)
	if trigger <= 0 || trigger > c.LLM.ContextWindowTokens {
		return fmt.Errorf("compaction trigger %d out of range for window %d", trigger, c.LLM.ContextWindowTokens)
	}
	if target <= 0 || target > trigger {
		return fmt.Errorf("compaction target %d must be in (0, %d]", target, trigger)
	}
	if c.Compaction.KeepLastTurns < 1 {
		return fmt.Errorf("compaction.keep_last_turns must be at least 1, got %d", c.Compaction.KeepLastTurns)
	}
	switch c.Sessions.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("sessions.backend must be memory, sqlite or postgres, got %q", c.Sessions.Backend)
	}
	if c.Sessions.Backend != "memory" && c.Sessions.DSN == "" {
		return fmt.Errorf("sessions.dsn is required for backend %q", c.Sessions.Backend)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
