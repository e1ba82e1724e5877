package reconcile

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls reconciliation behavior.
type Config struct {
	FallbackSupervisorID uint          // Supervisor for synthesized assignments. 0 means "use the assignee" (degraded).
	SweepBatchSize       int           // Rows per page during ReconcileAll. Default 1000.
	SweepInterval        time.Duration // How often the sweeper runs ReconcileAll. Default 15m.
	ConflictRetries      int           // Extra attempts after a lost optimistic race. Default 1.
	Enabled              bool          // Whether the sweeper is active. Default true.
}

// DefaultConfig returns the default reconciliation configuration.
func DefaultConfig() *Config {
	return &Config{
		SweepBatchSize:  1000,
		SweepInterval:   15 * time.Minute,
		ConflictRetries: 1,
		Enabled:         true,
	}
}

// ConfigFromEnv loads config from environment variables.
// VISITS_RECONCILE_FALLBACK_SUPERVISOR_ID, VISITS_RECONCILE_SWEEP_BATCH_SIZE,
// VISITS_RECONCILE_SWEEP_INTERVAL_MINUTES, VISITS_RECONCILE_CONFLICT_RETRIES,
// VISITS_RECONCILE_ENABLED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("VISITS_RECONCILE_FALLBACK_SUPERVISOR_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.FallbackSupervisorID = uint(n)
		}
	}

	if v := os.Getenv("VISITS_RECONCILE_SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepBatchSize = n
		}
	}

	if v := os.Getenv("VISITS_RECONCILE_SWEEP_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepInterval = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("VISITS_RECONCILE_CONFLICT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ConflictRetries = n
		}
	}

	if v := os.Getenv("VISITS_RECONCILE_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}

// configFile is the YAML layout of a reconciler settings file. Pointer
// fields distinguish "absent" from zero values so the file can override any
// subset of the defaults.
type configFile struct {
	FallbackSupervisorID *uint `yaml:"fallbackSupervisorId"`
	SweepBatchSize       *int  `yaml:"sweepBatchSize"`
	SweepIntervalMinutes *int  `yaml:"sweepIntervalMinutes"`
	ConflictRetries      *int  `yaml:"conflictRetries"`
	Enabled              *bool `yaml:"enabled"`
}

// LoadConfigFile loads reconciliation configuration from a YAML file,
// overlaying it on the defaults. If the file does not exist, default
// configuration is returned.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read reconcile config: %w", err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse reconcile config: %w", err)
	}

	if file.FallbackSupervisorID != nil {
		cfg.FallbackSupervisorID = *file.FallbackSupervisorID
	}
	if file.SweepBatchSize != nil && *file.SweepBatchSize > 0 {
		cfg.SweepBatchSize = *file.SweepBatchSize
	}
	if file.SweepIntervalMinutes != nil && *file.SweepIntervalMinutes > 0 {
		cfg.SweepInterval = time.Duration(*file.SweepIntervalMinutes) * time.Minute
	}
	if file.ConflictRetries != nil && *file.ConflictRetries >= 0 {
		cfg.ConflictRetries = *file.ConflictRetries
	}
	if file.Enabled != nil {
		cfg.Enabled = *file.Enabled
	}

	return cfg, nil
}
