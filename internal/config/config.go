// Package config loads Selene OS's runtime configuration from YAML and
// exposes it as an immutable per-turn snapshot (spec.md §9 "Configuration
// is passed as an immutable snapshot per turn; no global mutable
// config state").
//
// Grounded on ManuGH-xg2g's internal/config (YAML load + fsnotify
// hot-reload behind an atomic.Pointer snapshot holder), trimmed to
// Selene's own knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig is the validated, file-sourced configuration.
type AppConfig struct {
	LeaseTTLSeconds      int             `yaml:"lease_ttl_seconds"`
	QuotaPerSecond       float64         `yaml:"quota_per_second"`
	QuotaBurst           int             `yaml:"quota_burst"`
	QuotaRefuseAt        int64           `yaml:"quota_refuse_at"`
	OptionalChainBudget  BudgetConfig    `yaml:"optional_chain_budget"`
	UtilityScoring       ScoringConfig   `yaml:"utility_scoring"`
	Builder              BuilderConfig   `yaml:"builder"`
	LeasePepperEnv       string          `yaml:"lease_pepper_env"`
	SQLitePath           string          `yaml:"sqlite_path"`
	RedisAddr            string          `yaml:"redis_addr"`
}

// BudgetConfig bounds the Turn-Optional chain.
type BudgetConfig struct {
	MaxEngines    int `yaml:"max_engines"`
	MaxLatencyMs  int `yaml:"max_latency_ms"`
}

// ScoringConfig carries the GATE-U4/U5 utility-scorer thresholds.
type ScoringConfig struct {
	MinDecisionDeltaRate float64 `yaml:"min_decision_delta_rate"`
	MaxNoValueRate       float64 `yaml:"max_no_value_rate"`
	MaxLatencyP99Ms      int     `yaml:"max_latency_p99_ms"`
	ConsecutiveWindows   int     `yaml:"consecutive_windows"`
}

// BuilderConfig carries the Builder Release Controller's tunables.
type BuilderConfig struct {
	MaxTelemetryAgeMinutes int `yaml:"max_telemetry_age_minutes"`
	CanaryPercent          int `yaml:"canary_percent"`
	Ramp25Percent          int `yaml:"ramp_25_percent"`
	Ramp50Percent          int `yaml:"ramp_50_percent"`
}

// Default returns the reference defaults named throughout SPEC_FULL.md.
func Default() AppConfig {
	return AppConfig{
		LeaseTTLSeconds: 60,
		QuotaPerSecond:  5,
		QuotaBurst:      10,
		QuotaRefuseAt:   200,
		OptionalChainBudget: BudgetConfig{
			MaxEngines:   6,
			MaxLatencyMs: 1500,
		},
		UtilityScoring: ScoringConfig{
			MinDecisionDeltaRate: 0.02,
			MaxNoValueRate:       0.85,
			MaxLatencyP99Ms:      2000,
			ConsecutiveWindows:   7,
		},
		Builder: BuilderConfig{
			MaxTelemetryAgeMinutes: 180,
			CanaryPercent:          5,
			Ramp25Percent:          25,
			Ramp50Percent:          50,
		},
		SQLitePath: "selene.db",
	}
}

// Load reads and parses a YAML config file, falling back to Default for
// unset fields that Validate doesn't require.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configuration that would violate a spec.md invariant
// before it ever reaches a running turn.
func Validate(cfg AppConfig) error {
	if cfg.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("config: lease_ttl_seconds must be positive")
	}
	if cfg.QuotaPerSecond <= 0 {
		return fmt.Errorf("config: quota_per_second must be positive")
	}
	if cfg.OptionalChainBudget.MaxEngines <= 0 {
		return fmt.Errorf("config: optional_chain_budget.max_engines must be positive")
	}
	if cfg.UtilityScoring.ConsecutiveWindows <= 0 {
		return fmt.Errorf("config: utility_scoring.consecutive_windows must be positive")
	}
	if cfg.Builder.MaxTelemetryAgeMinutes <= 0 {
		return fmt.Errorf("config: builder.max_telemetry_age_minutes must be positive")
	}
	return nil
}
