package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

const maxAttemptsLimit = 600

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an OpenAI API key format. Project, service
// account and legacy user keys all share the sk- prefix.
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("openai API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateAssistantID validates an assistant id
func (v *Validator) ValidateAssistantID(id string) error {
	if id == "" {
		return fmt.Errorf("assistant id cannot be empty")
	}
	if !strings.HasPrefix(id, "asst_") {
		return fmt.Errorf("invalid assistant id format (should start with asst_)")
	}
	return nil
}

// ValidateBackend validates the remote backend name
func (v *Validator) ValidateBackend(backend string) error {
	return oneOf("backend", backend, "openai", "go-openai")
}

// ValidateSendPolicy validates the send policy
func (v *Validator) ValidateSendPolicy(policy string) error {
	return oneOf("send policy", policy, "queue", "reject")
}

// ValidateSeedRole validates the seed turn role
func (v *Validator) ValidateSeedRole(role string) error {
	return oneOf("seed role", role, "system", "user", "assistant")
}

// ValidatePolling validates poll interval and attempt bound
func (v *Validator) ValidatePolling(intervalMs, maxAttempts int) error {
	if intervalMs <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", intervalMs)
	}
	if maxAttempts < 1 || maxAttempts > maxAttemptsLimit {
		return fmt.Errorf("max attempts must be between 1 and %d, got %d", maxAttemptsLimit, maxAttempts)
	}
	return nil
}

// ValidateSchedule validates a cron schedule or descriptor
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil // Use default
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

func oneOf(name, value string, valid ...string) error {
	for _, ok := range valid {
		if value == ok {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(valid, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	add(v.ValidateAPIKey(cfg.OpenAI.APIKey))
	add(v.ValidateAssistantID(cfg.OpenAI.AssistantID))
	add(v.ValidateBackend(cfg.OpenAI.Backend))
	if cfg.OpenAI.RequestTimeoutSeconds < 0 {
		add(fmt.Errorf("openai.request_timeout_seconds must be >= 0"))
	}
	if cfg.OpenAI.TurnWindow < 0 || cfg.OpenAI.TurnWindow > 100 {
		add(fmt.Errorf("openai.turn_window must be between 0 and 100"))
	}

	add(v.ValidatePolling(cfg.Assistant.PollIntervalMs, cfg.Assistant.MaxAttempts))
	add(v.ValidateSendPolicy(cfg.Assistant.SendPolicy))
	add(v.ValidateSeedRole(cfg.Assistant.SeedRole))
	if cfg.Assistant.WelcomeRun && cfg.SeedTurn() == "" {
		add(fmt.Errorf("assistant.welcome_run requires a bootstrap seed turn or course name"))
	}

	if cfg.Sessions.IdleTTLSeconds < 0 {
		add(fmt.Errorf("sessions.idle_ttl_seconds must be >= 0"))
	}
	add(v.ValidateSchedule(cfg.Sessions.SweepSchedule))

	if cfg.Ledger.RetentionDays < 0 {
		add(fmt.Errorf("ledger.retention_days must be >= 0"))
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errors
}
