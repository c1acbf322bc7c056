// Package config holds all Artemis configuration. Values resolve in
// three layers: built-in defaults, an optional YAML file, then
// ARTEMIS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all Artemis settings.
type Config struct {
	// StateDir is the working directory for durable runtime state
	// (usage ledger, reports, default persistence files).
	StateDir string `yaml:"state_dir"`

	// BoardPath locates the kanban board JSON file.
	BoardPath string `yaml:"board_path"`

	LLM         LLMConfig         `yaml:"llm"`
	Messenger   MessengerConfig   `yaml:"messenger"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Budget      BudgetConfig      `yaml:"budget"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LLMConfig configures the model client.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // openai, anthropic, gemini, mock
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MessengerConfig configures inter-agent messaging.
type MessengerConfig struct {
	Type       string `yaml:"type"` // file, broker, mock
	MessageDir string `yaml:"message_dir"`
	BrokerURL  string `yaml:"broker_url"`
}

// PersistenceConfig configures pipeline state snapshots.
type PersistenceConfig struct {
	Type   string `yaml:"type"` // sqlite, json
	DBPath string `yaml:"db_path"`
	Dir    string `yaml:"dir"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	MaxParallelDevelopers int  `yaml:"max_parallel_developers"`
	EnableCodeReview      bool `yaml:"enable_code_review"`
	MaxCodeReviewRetries  int  `yaml:"max_code_review_retries"`
	EnableRouter          bool `yaml:"enable_router"`
}

// BudgetConfig caps LLM spend in dollars.
type BudgetConfig struct {
	Daily          float64 `yaml:"daily"`
	Monthly        float64 `yaml:"monthly"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// SandboxConfig bounds untrusted code execution.
type SandboxConfig struct {
	MaxCPUSeconds  int      `yaml:"max_cpu_seconds"`
	MaxMemoryMB    int      `yaml:"max_memory_mb"`
	MaxFileSizeMB  int      `yaml:"max_file_size_mb"`
	AllowNetwork   bool     `yaml:"allow_network"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	AllowedPaths   []string `yaml:"allowed_paths"`
	ScanCode       bool     `yaml:"scan_code"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   string `yaml:"level"` // DEBUG, INFO, WARNING, ERROR
	Verbose bool   `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:  ".artemis",
		BoardPath: ".artemis/board.json",
		LLM: LLMConfig{
			Provider:       "mock",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Messenger: MessengerConfig{
			Type:       "file",
			MessageDir: ".artemis/messages",
			BrokerURL:  "nats://127.0.0.1:4222",
		},
		Persistence: PersistenceConfig{
			Type:   "sqlite",
			DBPath: ".artemis/pipeline.db",
			Dir:    ".artemis/state",
		},
		Pipeline: PipelineConfig{
			MaxParallelDevelopers: 3,
			EnableCodeReview:      true,
			MaxCodeReviewRetries:  2,
			EnableRouter:          false,
		},
		Budget: BudgetConfig{
			Daily:          10.0,
			Monthly:        100.0,
			AlertThreshold: 0.8,
		},
		Sandbox: SandboxConfig{
			MaxCPUSeconds:  30,
			MaxMemoryMB:    512,
			MaxFileSizeMB:  10,
			AllowNetwork:   false,
			TimeoutSeconds: 60,
			ScanCode:       true,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load reads configuration from a YAML file layered over defaults. A
// missing file is not an error; env overrides are applied afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides configuration from ARTEMIS_* environment variables.
func (c *Config) ApplyEnv() {
	setStr(&c.LLM.Provider, "ARTEMIS_LLM_PROVIDER")
	setStr(&c.LLM.Model, "ARTEMIS_LLM_MODEL")
	setStr(&c.Messenger.Type, "ARTEMIS_MESSENGER_TYPE")
	setStr(&c.Messenger.MessageDir, "ARTEMIS_MESSAGE_DIR")
	setStr(&c.Messenger.BrokerURL, "ARTEMIS_BROKER_URL")
	setStr(&c.Persistence.Type, "ARTEMIS_PERSISTENCE_TYPE")
	setStr(&c.Persistence.DBPath, "ARTEMIS_PERSISTENCE_DB")
	setInt(&c.Pipeline.MaxParallelDevelopers, "ARTEMIS_MAX_PARALLEL_DEVELOPERS")
	setBool(&c.Pipeline.EnableCodeReview, "ARTEMIS_ENABLE_CODE_REVIEW")
	setBool(&c.Logging.Verbose, "ARTEMIS_VERBOSE")
	setStr(&c.Logging.Level, "ARTEMIS_LOG_LEVEL")
	setFloat(&c.Budget.Daily, "ARTEMIS_DAILY_BUDGET")
	setFloat(&c.Budget.Monthly, "ARTEMIS_MONTHLY_BUDGET")

	// API keys fall back to the conventional provider variables.
	if c.LLM.APIKey == "" {
		switch strings.ToLower(c.LLM.Provider) {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// Validate checks the resolved configuration. Parallel developer count
// is clamped to [1, 5] rather than rejected.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "anthropic", "gemini", "mock":
	default:
		return &ValidationError{Field: "llm.provider", Reason: fmt.Sprintf("unknown provider %q", c.LLM.Provider)}
	}
	if strings.ToLower(c.LLM.Provider) != "mock" && c.LLM.APIKey == "" {
		return &ValidationError{Field: "llm.api_key", Reason: fmt.Sprintf("missing API key for provider %q", c.LLM.Provider)}
	}

	switch c.Messenger.Type {
	case "file", "broker", "mock":
	default:
		return &ValidationError{Field: "messenger.type", Reason: fmt.Sprintf("unknown messenger type %q", c.Messenger.Type)}
	}

	switch c.Persistence.Type {
	case "sqlite", "json":
	default:
		return &ValidationError{Field: "persistence.type", Reason: fmt.Sprintf("unknown persistence type %q", c.Persistence.Type)}
	}

	if c.Budget.Daily <= 0 {
		return &ValidationError{Field: "budget.daily", Reason: "must be positive"}
	}
	if c.Budget.Monthly <= 0 {
		return &ValidationError{Field: "budget.monthly", Reason: "must be positive"}
	}
	if c.Budget.Daily > c.Budget.Monthly {
		return &ValidationError{Field: "budget.daily", Reason: "daily budget exceeds monthly budget"}
	}
	if c.Budget.AlertThreshold <= 0 || c.Budget.AlertThreshold > 1 {
		return &ValidationError{Field: "budget.alert_threshold", Reason: "must be in (0, 1]"}
	}

	if c.Sandbox.MaxCPUSeconds <= 0 || c.Sandbox.MaxMemoryMB <= 0 || c.Sandbox.MaxFileSizeMB <= 0 || c.Sandbox.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "sandbox", Reason: "resource limits must be positive"}
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return &ValidationError{Field: "logging.level", Reason: fmt.Sprintf("unknown log level %q", c.Logging.Level)}
	}

	if c.Pipeline.MaxParallelDevelopers < 1 {
		c.Pipeline.MaxParallelDevelopers = 1
	}
	if c.Pipeline.MaxParallelDevelopers > 5 {
		c.Pipeline.MaxParallelDevelopers = 5
	}
	if c.Pipeline.MaxCodeReviewRetries < 0 {
		c.Pipeline.MaxCodeReviewRetries = 0
	}
	return nil
}

// ValidationError reports an invalid configuration field. These surface
// at startup, before any stage runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}
