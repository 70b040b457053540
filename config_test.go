package creditgate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivaro/creditgate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := creditgate.DefaultConfig()

	assert.Equal(t, int64(5), cfg.DailyLimit)
	assert.Equal(t, 10*time.Second, cfg.DedupWindow())
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff())
	assert.Equal(t, int64(2), cfg.Voice.CreditCost)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
daily_limit: 20
dedup_window_seconds: 30
max_attempts: 5
backoff_ms: 250
provider:
  name: openrouter
  model: gpt-4o-mini
  api_key: sk-test
voice:
  model: gemini-2.0-flash
  language: de
  credit_cost: 3
`)

	cfg, err := creditgate.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(20), cfg.DailyLimit)
	assert.Equal(t, 30*time.Second, cfg.DedupWindow())
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff())
	assert.Equal(t, "openrouter", cfg.Provider.Name)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, "de", cfg.Voice.Language)
	assert.Equal(t, int64(3), cfg.Voice.CreditCost)
}

func TestLoadConfigDefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: openrouter
  model: gpt-4o-mini
`)

	cfg, err := creditgate.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cfg.DailyLimit)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, int64(2), cfg.Voice.CreditCost)
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-from-env")
	path := writeConfig(t, `
provider:
  name: openrouter
  model: gpt-4o-mini
  api_key: ${TEST_API_KEY}
`)

	cfg, err := creditgate.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Provider.APIKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := creditgate.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := writeConfig(t, "daily_limit: [not a number")
	_, err := creditgate.LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*creditgate.Config)
	}{
		{"negative daily limit", func(c *creditgate.Config) { c.DailyLimit = -1 }},
		{"negative dedup window", func(c *creditgate.Config) { c.DedupWindowSeconds = -1 }},
		{"zero max attempts", func(c *creditgate.Config) { c.MaxAttempts = 0 }},
		{"negative backoff", func(c *creditgate.Config) { c.BackoffMillis = -1 }},
		{"zero voice cost", func(c *creditgate.Config) { c.Voice.CreditCost = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := creditgate.DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestZeroDailyLimitDisablesCap(t *testing.T) {
	cfg := creditgate.DefaultConfig()
	cfg.DailyLimit = 0
	assert.NoError(t, cfg.Validate())
}
