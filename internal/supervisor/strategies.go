package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"artemis/internal/stage"
)

// StrategySet is a loaded strategy configuration: a default plus
// per-stage overrides.
type StrategySet struct {
	Default RecoveryStrategy
	Stages  map[stage.Name]RecoveryStrategy
}

// strategyFile is the on-disk YAML shape. Durations are Go duration
// strings ("2s", "5m"). Absent fields inherit from the default.
type strategyFile struct {
	Version string                  `yaml:"version"`
	Default *strategySpec           `yaml:"default"`
	Stages  map[string]strategySpec `yaml:"stages"`
}

type strategySpec struct {
	MaxRetries        *int     `yaml:"max_retries"`
	RetryDelay        string   `yaml:"retry_delay"`
	BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
	Timeout           string   `yaml:"timeout"`
	BreakerThreshold  *int     `yaml:"breaker_threshold"`
	BreakerCooldown   string   `yaml:"breaker_cooldown"`
}

// LoadStrategies reads per-stage recovery overrides from a YAML file.
// The file's default section overlays DefaultStrategy; each stage
// section overlays the resulting default.
func LoadStrategies(path string) (StrategySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StrategySet{}, fmt.Errorf("read strategy file: %w", err)
	}

	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return StrategySet{}, fmt.Errorf("parse strategy file: %w", err)
	}

	set := StrategySet{
		Default: DefaultStrategy(),
		Stages:  make(map[stage.Name]RecoveryStrategy, len(file.Stages)),
	}
	if file.Default != nil {
		if err := file.Default.apply(&set.Default); err != nil {
			return StrategySet{}, fmt.Errorf("default strategy: %w", err)
		}
	}
	for name, spec := range file.Stages {
		strategy := set.Default
		if err := spec.apply(&strategy); err != nil {
			return StrategySet{}, fmt.Errorf("stage %s strategy: %w", name, err)
		}
		set.Stages[stage.Name(name)] = strategy
	}
	return set, nil
}

func (s *strategySpec) apply(target *RecoveryStrategy) error {
	if s.MaxRetries != nil {
		target.MaxRetries = *s.MaxRetries
	}
	if s.BackoffMultiplier != nil {
		target.BackoffMultiplier = *s.BackoffMultiplier
	}
	if s.BreakerThreshold != nil {
		target.BreakerThreshold = *s.BreakerThreshold
	}
	if err := setDuration(&target.RetryDelay, s.RetryDelay); err != nil {
		return fmt.Errorf("retry_delay: %w", err)
	}
	if err := setDuration(&target.Timeout, s.Timeout); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	if err := setDuration(&target.BreakerCooldown, s.BreakerCooldown); err != nil {
		return fmt.Errorf("breaker_cooldown: %w", err)
	}
	return nil
}

func setDuration(target *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*target = d
	return nil
}
