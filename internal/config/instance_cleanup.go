package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// InstanceCleanupConfig bounds the monitor instance registry. Stopped
// `vigil start` processes leave rows behind; cleanup deletes old ones so
// status output stays readable, and marks rows with a silent heartbeat
// stopped so a crashed monitor does not hold the running slot forever.
type InstanceCleanupConfig struct {
	// CleanupAgeHours is the age past which stopped instance rows are
	// deleted. 0 disables deletion.
	// Default: 168 (a week), Range: 0-720
	CleanupAgeHours int

	// CleanupKeep is how many stopped rows survive deletion no matter
	// their age, so the registry never empties completely. 0 keeps none.
	// Default: 10, Range: 0-1000
	CleanupKeep int

	// StaleHeartbeatMinutes is how long a running row may go without a
	// heartbeat before it is presumed dead and marked stopped.
	// Default: 10, Range: 1-1440
	StaleHeartbeatMinutes int
}

// DefaultInstanceCleanupConfig returns the registry policy applied when no
// VIGIL_INSTANCE_* variables are set.
func DefaultInstanceCleanupConfig() InstanceCleanupConfig {
	return InstanceCleanupConfig{
		CleanupAgeHours:       168,
		CleanupKeep:           10,
		StaleHeartbeatMinutes: 10,
	}
}

// Validate checks the policy ranges.
func (c InstanceCleanupConfig) Validate() error {
	if c.CleanupAgeHours < 0 || c.CleanupAgeHours > 720 {
		return fmt.Errorf("cleanup_age_hours must be between 0 and 720 (got %d)", c.CleanupAgeHours)
	}
	if c.CleanupKeep < 0 || c.CleanupKeep > 1000 {
		return fmt.Errorf("cleanup_keep must be between 0 and 1000 (got %d)", c.CleanupKeep)
	}
	if c.StaleHeartbeatMinutes < 1 || c.StaleHeartbeatMinutes > 1440 {
		return fmt.Errorf("stale_heartbeat_minutes must be between 1 and 1440 (got %d)", c.StaleHeartbeatMinutes)
	}
	return nil
}

// CleanupAge returns the deletion age threshold as a duration.
func (c InstanceCleanupConfig) CleanupAge() time.Duration {
	return time.Duration(c.CleanupAgeHours) * time.Hour
}

// StaleHeartbeat returns the presumed-dead threshold as a duration.
func (c InstanceCleanupConfig) StaleHeartbeat() time.Duration {
	return time.Duration(c.StaleHeartbeatMinutes) * time.Minute
}

// InstanceCleanupConfigFromEnv builds the registry policy from
// VIGIL_INSTANCE_* variables, starting from the defaults:
//
//   - VIGIL_INSTANCE_CLEANUP_AGE_HOURS: age before stopped rows are deleted, 0 disables (default: 168)
//   - VIGIL_INSTANCE_CLEANUP_KEEP: stopped rows kept regardless of age (default: 10)
//   - VIGIL_INSTANCE_STALE_MINUTES: heartbeat silence before a row is presumed dead (default: 10)
//
// A variable that does not parse, or a resulting policy outside the
// documented ranges, is an error.
func InstanceCleanupConfigFromEnv() (InstanceCleanupConfig, error) {
	cfg := DefaultInstanceCleanupConfig()

	if err := parseEnvInt("VIGIL_INSTANCE_CLEANUP_AGE_HOURS", &cfg.CleanupAgeHours); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("VIGIL_INSTANCE_CLEANUP_KEEP", &cfg.CleanupKeep); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("VIGIL_INSTANCE_STALE_MINUTES", &cfg.StaleHeartbeatMinutes); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid VIGIL_INSTANCE_* configuration: %w", err)
	}
	return cfg, nil
}

// parseEnvInt overlays dest with an integer environment value; unset keeps
// the default.
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
