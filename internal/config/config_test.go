package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mock", cfg.LLM.Provider)
	assert.Equal(t, "file", cfg.Messenger.Type)
	assert.Equal(t, "sqlite", cfg.Persistence.Type)
	assert.Equal(t, 0.8, cfg.Budget.AlertThreshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ".artemis", cfg.StateDir)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artemis.yaml")
	body := `
llm:
  provider: mock
  model: test-model
budget:
  daily: 2.5
  monthly: 40
  alert_threshold: 0.9
pipeline:
  max_parallel_developers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-model", cfg.LLM.Model)
	assert.Equal(t, 2.5, cfg.Budget.Daily)
	assert.Equal(t, 2, cfg.Pipeline.MaxParallelDevelopers)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ARTEMIS_LLM_PROVIDER", "mock")
	t.Setenv("ARTEMIS_LLM_MODEL", "env-model")
	t.Setenv("ARTEMIS_MESSENGER_TYPE", "mock")
	t.Setenv("ARTEMIS_DAILY_BUDGET", "1.25")
	t.Setenv("ARTEMIS_MAX_PARALLEL_DEVELOPERS", "4")
	t.Setenv("ARTEMIS_ENABLE_CODE_REVIEW", "false")
	t.Setenv("ARTEMIS_VERBOSE", "true")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, "mock", cfg.Messenger.Type)
	assert.Equal(t, 1.25, cfg.Budget.Daily)
	assert.Equal(t, 4, cfg.Pipeline.MaxParallelDevelopers)
	assert.False(t, cfg.Pipeline.EnableCodeReview)
	assert.True(t, cfg.Logging.Verbose)
}

func TestAPIKeyFallsBackToProviderEnv(t *testing.T) {
	t.Setenv("ARTEMIS_LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown provider", func(c *Config) { c.LLM.Provider = "llamafarm" }, "llm.provider"},
		{"missing api key", func(c *Config) { c.LLM.Provider = "openai"; c.LLM.APIKey = "" }, "llm.api_key"},
		{"unknown messenger", func(c *Config) { c.Messenger.Type = "carrier-pigeon" }, "messenger.type"},
		{"unknown persistence", func(c *Config) { c.Persistence.Type = "stone-tablet" }, "persistence.type"},
		{"zero daily budget", func(c *Config) { c.Budget.Daily = 0 }, "budget.daily"},
		{"daily above monthly", func(c *Config) { c.Budget.Daily = 500 }, "budget.daily"},
		{"bad alert threshold", func(c *Config) { c.Budget.AlertThreshold = 1.5 }, "budget.alert_threshold"},
		{"bad sandbox limits", func(c *Config) { c.Sandbox.MaxMemoryMB = -1 }, "sandbox"},
		{"bad log level", func(c *Config) { c.Logging.Level = "TRACE" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateClampsParallelDevelopers(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.MaxParallelDevelopers = 9
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Pipeline.MaxParallelDevelopers)

	cfg.Pipeline.MaxParallelDevelopers = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Pipeline.MaxParallelDevelopers)
}
