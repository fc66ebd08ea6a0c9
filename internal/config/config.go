package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the main Flipmentor configuration
type Config struct {
	// OpenAI credentials and transport
	OpenAI OpenAIConfig `json:"openai" mapstructure:"openai"`

	// Assistant session behavior
	Assistant AssistantConfig `json:"assistant" mapstructure:"assistant"`

	// Course metadata
	Course CourseConfig `json:"course" mapstructure:"course"`

	// Session registry
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Run ledger
	Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// OpenAIConfig holds the remote assistant service settings
type OpenAIConfig struct {
	APIKey                string `json:"api_key" mapstructure:"api_key"`
	AssistantID           string `json:"assistant_id" mapstructure:"assistant_id"`
	BaseURL               string `json:"base_url" mapstructure:"base_url"`
	Organization          string `json:"organization" mapstructure:"organization"`
	Backend               string `json:"backend" mapstructure:"backend"` // openai, go-openai
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	TurnWindow            int    `json:"turn_window" mapstructure:"turn_window"`
}

// AssistantConfig holds client options
type AssistantConfig struct {
	PollIntervalMs      int    `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxAttempts         int    `json:"max_attempts" mapstructure:"max_attempts"`
	BootstrapSeedTurn   string `json:"bootstrap_seed_turn" mapstructure:"bootstrap_seed_turn"`
	SeedRole            string `json:"seed_role" mapstructure:"seed_role"` // system, user, assistant
	WelcomeRun          bool   `json:"welcome_run" mapstructure:"welcome_run"`
	SendPolicy          string `json:"send_policy" mapstructure:"send_policy"` // queue, reject
	CancelRemoteOnAbort bool   `json:"cancel_remote_on_abort" mapstructure:"cancel_remote_on_abort"`
}

// CourseConfig describes what the assistant tutors
type CourseConfig struct {
	Name          string `json:"name" mapstructure:"name"`
	AssistantName string `json:"assistant_name" mapstructure:"assistant_name"`
}

// SessionsConfig holds registry eviction settings
type SessionsConfig struct {
	IdleTTLSeconds int    `json:"idle_ttl_seconds" mapstructure:"idle_ttl_seconds"`
	SweepSchedule  string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LedgerConfig holds run ledger settings
type LedgerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
	// RetentionDays 0 keeps finished runs forever.
	RetentionDays int `json:"retention_days" mapstructure:"retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			Backend:               "openai",
			RequestTimeoutSeconds: 30,
			TurnWindow:            20,
		},
		Assistant: AssistantConfig{
			PollIntervalMs: 2000,
			MaxAttempts:    30,
			SeedRole:       "system",
			SendPolicy:     "queue",
		},
		Course: CourseConfig{
			AssistantName: "Flipmentor",
		},
		Sessions: SessionsConfig{
			IdleTTLSeconds: 1800,
			SweepSchedule:  "@every 5m",
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Ledger: LedgerConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
	}
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Assistant.PollIntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-request timeout, zero when unset.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.OpenAI.RequestTimeoutSeconds) * time.Second
}

// IdleTTL returns how long an unused session is kept.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Sessions.IdleTTLSeconds) * time.Second
}

// LedgerRetention returns how long finished runs are kept, zero for ever.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

// SeedTurn returns the configured seed turn, or one composed from the course
// name when only that is set.
func (c *Config) SeedTurn() string {
	if s := strings.TrimSpace(c.Assistant.BootstrapSeedTurn); s != "" {
		return s
	}
	if c.Course.Name == "" {
		return ""
	}
	name := c.Course.AssistantName
	if name == "" {
		name = "the course assistant"
	}
	return fmt.Sprintf("You are %s, a tutor for the course %q. Answer the student's questions about the course material.", name, c.Course.Name)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.OpenAI.APIKey = maskSecret(c.OpenAI.APIKey)
	out.Gateway.SharedSecret = maskSecret(c.Gateway.SharedSecret)
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:3] + "****" + s[len(s)-4:]
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
