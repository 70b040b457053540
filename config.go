package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration.
type Config struct {
	// DailyLimit caps credits charged per user per local day. 0 disables the cap.
	DailyLimit int64 `yaml:"daily_limit"`

	// DedupWindowSeconds is the trailing window for keyless single-message
	// dedup. 0 disables dedup.
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`

	// MaxAttempts bounds provider calls per message, first try included.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffMillis is the initial retry delay; it doubles per attempt.
	BackoffMillis int `yaml:"backoff_ms"`

	Provider ProviderConfig `yaml:"provider"`
	Voice    VoiceConfig    `yaml:"voice"`
}

// ProviderConfig configures the chat provider behind the gateway.
type ProviderConfig struct {
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	SystemPrompt string `yaml:"system_prompt"`
}

// VoiceConfig configures the voice transaction pipeline.
type VoiceConfig struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// CreditCost is the flat charge per voice transaction
	// (transcription plus structured parse).
	CreditCost int64 `yaml:"credit_cost"`
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		DailyLimit:         5,
		DedupWindowSeconds: 10,
		MaxAttempts:        3,
		BackoffMillis:      500,
		Voice: VoiceConfig{
			Language:   "en",
			CreditCost: 2,
		},
	}
}

// DedupWindow returns the dedup window as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// Backoff returns the initial retry delay as a duration.
func (c Config) Backoff() time.Duration {
	return time.Duration(c.BackoffMillis) * time.Millisecond
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.DailyLimit < 0 {
		return fmt.Errorf("creditgate: config: daily_limit must not be negative")
	}
	if c.DedupWindowSeconds < 0 {
		return fmt.Errorf("creditgate: config: dedup_window_seconds must not be negative")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("creditgate: config: max_attempts must be at least 1")
	}
	if c.BackoffMillis < 0 {
		return fmt.Errorf("creditgate: config: backoff_ms must not be negative")
	}
	if c.Voice.CreditCost < 1 {
		return fmt.Errorf("creditgate: config: voice.credit_cost must be at least 1")
	}
	return nil
}
