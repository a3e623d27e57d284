package config

import (
	"strings"
	"testing"
)

func TestDefaultRetentionConfigIsValid(t *testing.T) {
	cfg := DefaultRetentionConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default retention config should validate: %v", err)
	}
	if !cfg.CleanupEnabled {
		t.Error("Cleanup should be enabled by default")
	}
}

func TestRetentionConfigValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RetentionConfig)
	}{
		{"zero retention days", func(c *RetentionConfig) { c.RetentionDays = 0 }},
		{"retention too long", func(c *RetentionConfig) { c.RetentionDays = 1000 }},
		{"per incident limit below minimum", func(c *RetentionConfig) { c.PerIncidentLimitEvents = 10 }},
		{"negative per incident limit", func(c *RetentionConfig) { c.PerIncidentLimitEvents = -1 }},
		{"cycle limit too small", func(c *RetentionConfig) { c.GlobalLimitCycles = 10 }},
		{"batch size too small", func(c *RetentionConfig) { c.CleanupBatchSize = 10 }},
		{"cleanup interval zero", func(c *RetentionConfig) { c.CleanupIntervalHours = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetentionConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() should fail for %s", tt.name)
			}
		})
	}

	// 0 means unlimited and is allowed
	unlimited := DefaultRetentionConfig()
	unlimited.PerIncidentLimitEvents = 0
	if err := unlimited.Validate(); err != nil {
		t.Errorf("Unlimited per-incident events should validate: %v", err)
	}
}

func TestRetentionConfigFromEnv(t *testing.T) {
	t.Setenv("VIGIL_RETENTION_DAYS", "45")
	t.Setenv("VIGIL_RETENTION_CLEANUP_ENABLED", "false")

	cfg, err := RetentionConfigFromEnv()
	if err != nil {
		t.Fatalf("RetentionConfigFromEnv failed: %v", err)
	}
	if cfg.RetentionDays != 45 {
		t.Errorf("RetentionDays = %d, want 45", cfg.RetentionDays)
	}
	if cfg.CleanupEnabled {
		t.Error("Cleanup should be disabled via env")
	}
}

func TestRetentionConfigFromEnvInvalid(t *testing.T) {
	t.Setenv("VIGIL_RETENTION_DAYS", "forever")
	if _, err := RetentionConfigFromEnv(); err == nil {
		t.Error("Expected error for non-numeric retention days")
	}
}

func TestRetentionConfigString(t *testing.T) {
	s := DefaultRetentionConfig().String()
	if !strings.Contains(s, "RetentionDays: 30") {
		t.Errorf("String() = %q, missing retention days", s)
	}
}
