package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RetentionConfig bounds how much incident history the store keeps. Open
// and unresolved incidents are never deleted regardless of these settings;
// retention only trims what has already been resolved. The monitor's
// maintenance loop and `vigil cleanup` both apply this policy.
type RetentionConfig struct {
	// RetentionDays is how long resolved incidents live before their rows
	// (and events) go.
	// Default: 30, Range: 1-730
	RetentionDays int

	// PerIncidentLimitEvents caps the audit trail per incident; the oldest
	// events beyond the cap are dropped. Lifecycle events are exempt in
	// the store layer. 0 means unlimited.
	// Default: 200, Range: 0 or 50-10000
	PerIncidentLimitEvents int

	// GlobalLimitCycles caps the cycles table between rotations. At the
	// default 30s cadence 100k rows holds roughly a month.
	// Default: 100000, Range: 1000-1000000
	GlobalLimitCycles int

	// CleanupIntervalHours paces the monitor's maintenance sweep.
	// Default: 1, Range: 1-168
	CleanupIntervalHours int

	// CleanupBatchSize is rows deleted per transaction. Bigger batches
	// finish sooner but hold the write lock longer.
	// Default: 500, Range: 100-10000
	CleanupBatchSize int

	// CleanupEnabled turns the monitor's automatic retention sweep on or
	// off. `vigil cleanup` runs regardless.
	// Default: true
	CleanupEnabled bool
}

// DefaultRetentionConfig returns the retention policy applied when no
// VIGIL_RETENTION_* variables are set: a month of resolved incidents,
// 200 events per incident, 100k cycle rows, swept hourly in 500-row
// batches.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays:          30,
		PerIncidentLimitEvents: 200,
		GlobalLimitCycles:      100000,
		CleanupIntervalHours:   1,
		CleanupBatchSize:       500,
		CleanupEnabled:         true,
	}
}

// Validate checks the policy ranges.
func (c RetentionConfig) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 730 {
		return fmt.Errorf("retention_days must be between 1 and 730 (got %d)", c.RetentionDays)
	}

	// PerIncidentLimitEvents: 0 = unlimited, or 50-10000
	if c.PerIncidentLimitEvents < 0 {
		return fmt.Errorf("per_incident_limit_events cannot be negative (got %d)",
			c.PerIncidentLimitEvents)
	}
	if c.PerIncidentLimitEvents > 0 && c.PerIncidentLimitEvents < 50 {
		return fmt.Errorf("per_incident_limit_events must be 0 (unlimited) or >= 50 (got %d)",
			c.PerIncidentLimitEvents)
	}
	if c.PerIncidentLimitEvents > 10000 {
		return fmt.Errorf("per_incident_limit_events too large (got %d, max 10000)",
			c.PerIncidentLimitEvents)
	}

	if c.GlobalLimitCycles < 1000 {
		return fmt.Errorf("global_limit_cycles must be at least 1000 (got %d)", c.GlobalLimitCycles)
	}
	if c.GlobalLimitCycles > 1000000 {
		return fmt.Errorf("global_limit_cycles too large (got %d, max 1000000)", c.GlobalLimitCycles)
	}

	if c.CleanupIntervalHours < 1 {
		return fmt.Errorf("cleanup_interval_hours must be at least 1 (got %d)", c.CleanupIntervalHours)
	}
	if c.CleanupIntervalHours > 168 {
		return fmt.Errorf("cleanup_interval_hours too large (got %d, max 168)", c.CleanupIntervalHours)
	}

	if c.CleanupBatchSize < 100 {
		return fmt.Errorf("cleanup_batch_size must be at least 100 (got %d)", c.CleanupBatchSize)
	}
	if c.CleanupBatchSize > 10000 {
		return fmt.Errorf("cleanup_batch_size too large (got %d, max 10000)", c.CleanupBatchSize)
	}

	return nil
}

// CleanupInterval returns the sweep cadence as a duration.
func (c RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// String renders the policy for cleanup output and logs.
func (c RetentionConfig) String() string {
	return fmt.Sprintf(
		"RetentionConfig{RetentionDays: %d, PerIncidentLimit: %d, GlobalLimitCycles: %d, "+
			"CleanupInterval: %dh, BatchSize: %d, Enabled: %t}",
		c.RetentionDays, c.PerIncidentLimitEvents, c.GlobalLimitCycles,
		c.CleanupIntervalHours, c.CleanupBatchSize, c.CleanupEnabled,
	)
}

// RetentionConfigFromEnv builds the policy from VIGIL_RETENTION_*
// variables, starting from the defaults:
//
//   - VIGIL_RETENTION_DAYS: days to keep resolved incidents (default: 30)
//   - VIGIL_RETENTION_PER_INCIDENT_LIMIT: events kept per incident, 0 unlimited (default: 200)
//   - VIGIL_RETENTION_CYCLE_LIMIT: total cycle records kept (default: 100000)
//   - VIGIL_RETENTION_CLEANUP_INTERVAL_HOURS: sweep cadence (default: 1)
//   - VIGIL_RETENTION_CLEANUP_BATCH_SIZE: rows deleted per transaction (default: 500)
//   - VIGIL_RETENTION_CLEANUP_ENABLED: automatic sweep on/off (default: true)
//
// A variable that does not parse, or a resulting policy outside the
// documented ranges, is an error.
func RetentionConfigFromEnv() (RetentionConfig, error) {
	cfg := DefaultRetentionConfig()

	if err := parseEnvInt("VIGIL_RETENTION_DAYS", &cfg.RetentionDays); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("VIGIL_RETENTION_PER_INCIDENT_LIMIT", &cfg.PerIncidentLimitEvents); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("VIGIL_RETENTION_CYCLE_LIMIT", &cfg.GlobalLimitCycles); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("VIGIL_RETENTION_CLEANUP_INTERVAL_HOURS", &cfg.CleanupIntervalHours); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("VIGIL_RETENTION_CLEANUP_BATCH_SIZE", &cfg.CleanupBatchSize); err != nil {
		return cfg, err
	}
	if err := parseEnvBool("VIGIL_RETENTION_CLEANUP_ENABLED", &cfg.CleanupEnabled); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid VIGIL_RETENTION_* configuration: %w", err)
	}
	return cfg, nil
}

// parseEnvBool overlays dest with a boolean environment value; unset keeps
// the default.
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
