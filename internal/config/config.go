package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration consumed by the monitor and
// CLI. Duration fields are typed; the YAML file carries them as strings
// (see FileConfig).
type Config struct {
	Target  TargetConfig
	Probe   ProbeConfig
	Monitor MonitorConfig
	Oracle  OracleConfig
	Repair  RepairConfig
	Store   StoreConfig
	Metrics MetricsConfig
}

// TargetConfig describes the agent server under supervision.
type TargetConfig struct {
	// Name is the display name used in status output and oracle prompts
	Name string

	// HealthURL is the HTTP health endpoint, e.g. http://localhost:8284/
	HealthURL string

	// Port is probed directly during deep sweeps. 0 disables the TCP check.
	Port int

	// PIDFile locates the service's pid file for process liveness checks
	PIDFile string

	// LivenessCmd is a shell command run during deep sweeps; exit 0 reads
	// as alive. For containerized targets with no pid file, e.g.
	// "docker inspect agent-server". Takes precedence over PIDFile.
	LivenessCmd string

	// LockFile is the stale-lock path the clear_lock repair removes
	LockFile string

	// LogPath is the service log tailed into snapshots and rotated by the
	// rotate_logs repair
	LogPath string

	// ConfigPath is the service's own config file, validated before
	// reload_config signals the process
	ConfigPath string

	// StartCmd and StopCmd are shell commands the restart repair runs.
	// Empty StopCmd falls back to signalling the pid from PIDFile.
	StartCmd string
	StopCmd  string

	// ReloadCmd overrides the default SIGHUP delivery for reload_config
	ReloadCmd string

	// MinVersion is the lowest acceptable service version from the health
	// payload, e.g. "1.4.0". Empty disables the doctor's version check.
	MinVersion string
}

// ProbeConfig controls the health probe.
type ProbeConfig struct {
	// Timeout bounds one HTTP probe attempt.
	// Default: 5s. Must be shorter than the monitor interval.
	Timeout time.Duration

	// DeepSweep enables process, port, and log checks when the HTTP
	// probe fails or returns non-200
	// Default: true
	DeepSweep bool

	// TailLines is how many trailing log lines a sweep captures
	// Default: 50, Range: 1-200
	TailLines int

	// DegradedLatency is the latency above which a 200 response still
	// classifies as degraded
	// Default: 2s
	DegradedLatency time.Duration
}

// MonitorConfig controls the scheduling loop.
type MonitorConfig struct {
	// Interval is the fixed cadence between cycle starts
	// Default: 30s, Range: 5s-1h
	Interval time.Duration

	// HeartbeatInterval is how often the instance row's heartbeat updates
	// Default: 60s
	HeartbeatInterval time.Duration
}

// OracleConfig controls the diagnosis call to the reasoning service.
type OracleConfig struct {
	// Enabled turns oracle consultation on. When off, every diagnosis
	// comes from the offline rule engine.
	// Default: true
	Enabled bool

	// Model is the model identifier sent to the API
	Model string

	// MaxTokens caps the response size
	// Default: 1024
	MaxTokens int

	// Timeout is the hard deadline for one oracle call
	// Default: 30s
	Timeout time.Duration

	// MaxRetries is the number of retries after a failed call.
	// Capped at 1 so a slow oracle cannot stall the repair path.
	// Default: 1, Range: 0-1
	MaxRetries int

	// MaxLogLines bounds the log excerpt included in prompts
	// Default: 50, Range: 1-50
	MaxLogLines int
}

// RepairConfig controls repair execution.
type RepairConfig struct {
	// MaxAttempts is the repair budget per incident before it is marked
	// unresolved
	// Default: 3, Range: 1-10
	MaxAttempts int

	// RecheckDelay is how long to wait after a repair before re-probing
	// Default: 3s
	RecheckDelay time.Duration

	// CommandTimeout bounds each repair shell command
	// Default: 60s
	CommandTimeout time.Duration
}

// StoreConfig controls the incident store.
type StoreConfig struct {
	// Path is the SQLite database file. Default: .vigil/vigil.db
	Path string

	// RotateBytes triggers store rotation when the database file exceeds
	// this size. 0 disables rotation.
	// Default: 64 MiB, Minimum: 1 MiB
	RotateBytes int64

	// RetainCycles caps the per-cycle history kept after rotation
	// Default: 1000
	RetainCycles int
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts an HTTP listener exposing /metrics
	// Default: false
	Enabled bool

	// Addr is the listen address, e.g. 127.0.0.1:9464
	Addr string
}

// FileConfig is the YAML shape of the configuration file. Durations are
// strings ("30s", "5m", "1d") so the file stays hand-editable; Resolve
// parses them into a Config.
type FileConfig struct {
	Target struct {
		Name        string `yaml:"name,omitempty"`
		HealthURL   string `yaml:"health_url"`
		Port        int    `yaml:"port,omitempty"`
		PIDFile     string `yaml:"pid_file,omitempty"`
		LivenessCmd string `yaml:"liveness_cmd,omitempty"`
		LockFile    string `yaml:"lock_file,omitempty"`
		LogPath     string `yaml:"log_path,omitempty"`
		ConfigPath  string `yaml:"config_path,omitempty"`
		StartCmd    string `yaml:"start_cmd,omitempty"`
		StopCmd     string `yaml:"stop_cmd,omitempty"`
		ReloadCmd   string `yaml:"reload_cmd,omitempty"`
		MinVersion  string `yaml:"min_version,omitempty"`
	} `yaml:"target"`

	Probe struct {
		Timeout         string `yaml:"timeout,omitempty"`
		DeepSweep       *bool  `yaml:"deep_sweep,omitempty"`
		TailLines       int    `yaml:"tail_lines,omitempty"`
		DegradedLatency string `yaml:"degraded_latency,omitempty"`
	} `yaml:"probe,omitempty"`

	Monitor struct {
		Interval          string `yaml:"interval,omitempty"`
		HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
	} `yaml:"monitor,omitempty"`

	Oracle struct {
		Enabled     *bool  `yaml:"enabled,omitempty"`
		Model       string `yaml:"model,omitempty"`
		MaxTokens   int    `yaml:"max_tokens,omitempty"`
		Timeout     string `yaml:"timeout,omitempty"`
		MaxRetries  *int   `yaml:"max_retries,omitempty"`
		MaxLogLines int    `yaml:"max_log_lines,omitempty"`
	} `yaml:"oracle,omitempty"`

	Repair struct {
		MaxAttempts    int    `yaml:"max_attempts,omitempty"`
		RecheckDelay   string `yaml:"recheck_delay,omitempty"`
		CommandTimeout string `yaml:"command_timeout,omitempty"`
	} `yaml:"repair,omitempty"`

	Store struct {
		Path         string `yaml:"path,omitempty"`
		RotateMB     int64  `yaml:"rotate_mb,omitempty"`
		RetainCycles int    `yaml:"retain_cycles,omitempty"`
	} `yaml:"store,omitempty"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled,omitempty"`
		Addr    string `yaml:"addr,omitempty"`
	} `yaml:"metrics,omitempty"`
}

// DefaultDir is the working directory vigil keeps its state in.
const DefaultDir = ".vigil"

// DefaultConfigPath is where LoadConfig looks when no --config flag is given.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDir, "vigil.yaml")
}

// DefaultConfig returns the configuration used when no file exists.
// These defaults are conservative:
// - 30s cadence with a 5s probe timeout
// - deep sweep on failure, 50 log lines
// - oracle on with a 30s deadline and a single retry
// - 3 repair attempts per incident
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Name:      "agent-server",
			HealthURL: "http://localhost:8284/",
		},
		Probe: ProbeConfig{
			Timeout:         5 * time.Second,
			DeepSweep:       true,
			TailLines:       50,
			DegradedLatency: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:          30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
		},
		Oracle: OracleConfig{
			Enabled:     true,
			Model:       "claude-sonnet-4-5",
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
			MaxRetries:  1,
			MaxLogLines: 50,
		},
		Repair: RepairConfig{
			MaxAttempts:    3,
			RecheckDelay:   3 * time.Second,
			CommandTimeout: 60 * time.Second,
		},
		Store: StoreConfig{
			Path:         filepath.Join(DefaultDir, "vigil.db"),
			RotateBytes:  64 * 1024 * 1024,
			RetainCycles: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// LoadConfig loads configuration from a YAML file, applies environment
// overrides, and validates the result. A missing file is not an error;
// defaults (plus env) are returned so `vigil start` works out of the box.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
		if err := fc.apply(cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// apply overlays the file values onto cfg, parsing duration strings.
func (fc *FileConfig) apply(cfg *Config) error {
	t := fc.Target
	if t.Name != "" {
		cfg.Target.Name = t.Name
	}
	if t.HealthURL != "" {
		cfg.Target.HealthURL = t.HealthURL
	}
	if t.Port != 0 {
		cfg.Target.Port = t.Port
	}
	if t.PIDFile != "" {
		cfg.Target.PIDFile = t.PIDFile
	}
	if t.LivenessCmd != "" {
		cfg.Target.LivenessCmd = t.LivenessCmd
	}
	if t.LockFile != "" {
		cfg.Target.LockFile = t.LockFile
	}
	if t.LogPath != "" {
		cfg.Target.LogPath = t.LogPath
	}
	if t.ConfigPath != "" {
		cfg.Target.ConfigPath = t.ConfigPath
	}
	if t.StartCmd != "" {
		cfg.Target.StartCmd = t.StartCmd
	}
	if t.StopCmd != "" {
		cfg.Target.StopCmd = t.StopCmd
	}
	if t.ReloadCmd != "" {
		cfg.Target.ReloadCmd = t.ReloadCmd
	}
	if t.MinVersion != "" {
		cfg.Target.MinVersion = t.MinVersion
	}

	if err := overlayDuration(&cfg.Probe.Timeout, fc.Probe.Timeout, "probe.timeout"); err != nil {
		return err
	}
	if fc.Probe.DeepSweep != nil {
		cfg.Probe.DeepSweep = *fc.Probe.DeepSweep
	}
	if fc.Probe.TailLines != 0 {
		cfg.Probe.TailLines = fc.Probe.TailLines
	}
	if err := overlayDuration(&cfg.Probe.DegradedLatency, fc.Probe.DegradedLatency, "probe.degraded_latency"); err != nil {
		return err
	}

	if err := overlayDuration(&cfg.Monitor.Interval, fc.Monitor.Interval, "monitor.interval"); err != nil {
		return err
	}
	if err := overlayDuration(&cfg.Monitor.HeartbeatInterval, fc.Monitor.HeartbeatInterval, "monitor.heartbeat_interval"); err != nil {
		return err
	}

	if fc.Oracle.Enabled != nil {
		cfg.Oracle.Enabled = *fc.Oracle.Enabled
	}
	if fc.Oracle.Model != "" {
		cfg.Oracle.Model = fc.Oracle.Model
	}
	if fc.Oracle.MaxTokens != 0 {
		cfg.Oracle.MaxTokens = fc.Oracle.MaxTokens
	}
	if err := overlayDuration(&cfg.Oracle.Timeout, fc.Oracle.Timeout, "oracle.timeout"); err != nil {
		return err
	}
	if fc.Oracle.MaxRetries != nil {
		cfg.Oracle.MaxRetries = *fc.Oracle.MaxRetries
	}
	if fc.Oracle.MaxLogLines != 0 {
		cfg.Oracle.MaxLogLines = fc.Oracle.MaxLogLines
	}

	if fc.Repair.MaxAttempts != 0 {
		cfg.Repair.MaxAttempts = fc.Repair.MaxAttempts
	}
	if err := overlayDuration(&cfg.Repair.RecheckDelay, fc.Repair.RecheckDelay, "repair.recheck_delay"); err != nil {
		return err
	}
	if err := overlayDuration(&cfg.Repair.CommandTimeout, fc.Repair.CommandTimeout, "repair.command_timeout"); err != nil {
		return err
	}

	if fc.Store.Path != "" {
		cfg.Store.Path = fc.Store.Path
	}
	if fc.Store.RotateMB != 0 {
		cfg.Store.RotateBytes = fc.Store.RotateMB * 1024 * 1024
	}
	if fc.Store.RetainCycles != 0 {
		cfg.Store.RetainCycles = fc.Store.RetainCycles
	}

	if fc.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *fc.Metrics.Enabled
	}
	if fc.Metrics.Addr != "" {
		cfg.Metrics.Addr = fc.Metrics.Addr
	}
	return nil
}

func overlayDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// applyEnv overlays VIGIL_* environment variables onto cfg.
// Environment beats the file; flags (handled in cmd) beat both.
func applyEnv(cfg *Config) {
	if val := os.Getenv("VIGIL_HEALTH_URL"); val != "" {
		cfg.Target.HealthURL = val
	}
	if val := os.Getenv("VIGIL_DB_PATH"); val != "" {
		cfg.Store.Path = val
	}
	if val := os.Getenv("VIGIL_INTERVAL"); val != "" {
		if d, err := parseDuration(val); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if val := os.Getenv("VIGIL_PROBE_TIMEOUT"); val != "" {
		if d, err := parseDuration(val); err == nil {
			cfg.Probe.Timeout = d
		}
	}
	if val := os.Getenv("VIGIL_ORACLE_ENABLED"); val != "" {
		cfg.Oracle.Enabled = parseBool(val)
	}
	if val := os.Getenv("VIGIL_ORACLE_MODEL"); val != "" {
		cfg.Oracle.Model = val
	}
	if val := os.Getenv("VIGIL_ORACLE_TIMEOUT"); val != "" {
		if d, err := parseDuration(val); err == nil {
			cfg.Oracle.Timeout = d
		}
	}
	if val := os.Getenv("VIGIL_REPAIR_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Repair.MaxAttempts = n
		}
	}
	if val := os.Getenv("VIGIL_METRICS_ADDR"); val != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = val
	}
}

// parseBool reads the usual boolean spellings; anything unrecognized
// counts as true.
func parseBool(val string) bool {
	switch val {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return true
	}
}

// parseDuration accepts everything time.ParseDuration does, plus day
// ("7d") and week ("2w") suffixes for the retention-scale settings.
func parseDuration(s string) (time.Duration, error) {
	var days int
	if _, err := fmt.Sscanf(s, "%dd", &days); err == nil {
		return time.Duration(days) * 24 * time.Hour, nil
	}

	var weeks int
	if _, err := fmt.Sscanf(s, "%dw", &weeks); err == nil {
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}

// Validate rejects configurations the monitor could not run safely with.
func (c *Config) Validate() error {
	if c.Target.HealthURL == "" {
		return fmt.Errorf("target.health_url is required")
	}
	if c.Target.MinVersion != "" && !semver.IsValid("v"+c.Target.MinVersion) {
		return fmt.Errorf("target.min_version %q is not a semantic version", c.Target.MinVersion)
	}

	// Cadence must be slow enough that cycles cannot pile up
	if c.Monitor.Interval < 5*time.Second {
		return fmt.Errorf("monitor.interval too fast (minimum 5s), got %v", c.Monitor.Interval)
	}
	if c.Monitor.Interval > time.Hour {
		return fmt.Errorf("monitor.interval too slow (maximum 1h), got %v", c.Monitor.Interval)
	}

	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be positive, got %v", c.Probe.Timeout)
	}
	if c.Probe.Timeout >= c.Monitor.Interval {
		return fmt.Errorf("probe.timeout (%v) must be below monitor.interval (%v)",
			c.Probe.Timeout, c.Monitor.Interval)
	}
	if c.Probe.TailLines < 1 || c.Probe.TailLines > 200 {
		return fmt.Errorf("probe.tail_lines must be between 1 and 200 (got %d)", c.Probe.TailLines)
	}
	if c.Probe.DegradedLatency <= 0 {
		return fmt.Errorf("probe.degraded_latency must be positive, got %v", c.Probe.DegradedLatency)
	}

	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be positive, got %v", c.Oracle.Timeout)
	}
	if c.Oracle.MaxRetries < 0 || c.Oracle.MaxRetries > 1 {
		return fmt.Errorf("oracle.max_retries must be 0 or 1 (got %d)", c.Oracle.MaxRetries)
	}
	if c.Oracle.MaxTokens < 1 {
		return fmt.Errorf("oracle.max_tokens must be positive (got %d)", c.Oracle.MaxTokens)
	}
	if c.Oracle.MaxLogLines < 1 || c.Oracle.MaxLogLines > 50 {
		return fmt.Errorf("oracle.max_log_lines must be between 1 and 50 (got %d)", c.Oracle.MaxLogLines)
	}

	if c.Repair.MaxAttempts < 1 || c.Repair.MaxAttempts > 10 {
		return fmt.Errorf("repair.max_attempts must be between 1 and 10 (got %d)", c.Repair.MaxAttempts)
	}
	if c.Repair.RecheckDelay < 0 {
		return fmt.Errorf("repair.recheck_delay cannot be negative, got %v", c.Repair.RecheckDelay)
	}
	if c.Repair.CommandTimeout <= 0 {
		return fmt.Errorf("repair.command_timeout must be positive, got %v", c.Repair.CommandTimeout)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.RotateBytes != 0 && c.Store.RotateBytes < 1024*1024 {
		return fmt.Errorf("store rotation threshold must be at least 1 MiB (got %d bytes)", c.Store.RotateBytes)
	}
	if c.Store.RetainCycles < 0 {
		return fmt.Errorf("store.retain_cycles cannot be negative (got %d)", c.Store.RetainCycles)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// SaveDefaultConfig writes a starter configuration file. Used by
// `vigil doctor --fix` and first-run setup.
func SaveDefaultConfig(path string) error {
	var fc FileConfig
	def := DefaultConfig()
	fc.Target.Name = def.Target.Name
	fc.Target.HealthURL = def.Target.HealthURL
	fc.Probe.Timeout = def.Probe.Timeout.String()
	fc.Probe.TailLines = def.Probe.TailLines
	fc.Monitor.Interval = def.Monitor.Interval.String()
	fc.Oracle.Model = def.Oracle.Model
	fc.Oracle.Timeout = def.Oracle.Timeout.String()
	fc.Repair.MaxAttempts = def.Repair.MaxAttempts
	fc.Store.Path = def.Store.Path

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
