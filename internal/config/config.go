// Package config provides configuration loading, validation, and
// hot-reload for agentkerneld.
//
// Configuration file: /etc/agentkernel/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - A valid new config is logged; the running subsystems keep the
//     settings they were built with, so every change takes effect on
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (time slices > 0, thresholds in [0, 1], etc).
//   - File paths must be non-empty (they are not checked for being absolute).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
//
// Fields loaded and validated but not read by any subsystem:
// scheduler.max_goroutines, event_queue_size, max_tracked_agents,
// default_time_slice, window_duration, window_eviction_timeout;
// memory.default_lease_duration; every quota field;
// healing.max_restarts_per_agent; resilience.circuit_failure_threshold,
// circuit_open_timeout; smp.load_balance_interval. Their field docs
// describe the setting, not a wired effect.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for agentkerneld.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this kernel instance. Used in
	// audit ledger entries and (when smp is enabled) in metrics labels.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Scheduler configures the agent scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Memory configures paging, the cross-agent memory fabric, and
	// frame allocation.
	Memory MemoryConfig `yaml:"memory"`

	// Quota configures per-agent per-resource limits.
	Quota QuotaConfig `yaml:"quota"`

	// Healing configures predictive failure detection and the
	// autonomous healer.
	Healing HealingConfig `yaml:"healing"`

	// Resilience configures circuit breakers, retry policy, and
	// graceful degradation thresholds.
	Resilience ResilienceConfig `yaml:"resilience"`

	// SMP configures per-CPU runqueues and load balancing.
	SMP SMPConfig `yaml:"smp"`

	// Audit configures the BoltDB-backed audit ledger.
	Audit AuditConfig `yaml:"audit"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`

	// MLClient configures the optional ML-backed failure predictor.
	MLClient MLClientConfig `yaml:"ml_client"`
}

// SchedulerConfig holds scheduler-level operational parameters.
type SchedulerConfig struct {
	// MaxGoroutines is the maximum number of worker goroutines driving
	// the scheduler's dispatch loop. Default: 4.
	MaxGoroutines int `yaml:"max_goroutines"`

	// EventQueueSize is the in-memory kernel event bus queue depth.
	// If full, new events are dropped and the drop counter is
	// incremented. Default: 10000.
	EventQueueSize int `yaml:"event_queue_size"`

	// MaxTrackedAgents is the maximum number of agents the scheduler
	// will track simultaneously. Default: 8192.
	MaxTrackedAgents int `yaml:"max_tracked_agents"`

	// DefaultTimeSlice is the time slice assigned to a newly-spawned
	// agent absent an explicit priority. Default: 10ms.
	DefaultTimeSlice time.Duration `yaml:"default_time_slice"`

	// WindowDuration is the sliding window used by workload burst
	// classification. Default: 5s.
	WindowDuration time.Duration `yaml:"window_duration"`

	// WindowEvictionTimeout is the idle time after which an agent's
	// workload window is evicted from memory. Default: 60s.
	WindowEvictionTimeout time.Duration `yaml:"window_eviction_timeout"`

	// LightweightMode keeps every CPU past the boot CPU offline, for
	// edge/low-power nodes. Validate rejects it together with
	// smp.enabled=true. It does not affect the metrics HTTP server or
	// max_goroutines. Default: false.
	LightweightMode bool `yaml:"lightweight_mode"`
}

// OperatorConfig holds operator override parameters.
// Overrides allow privileged operators to inspect and act on agents
// (list, kill, inspect quota, trigger healing) without restarting the
// daemon.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600, owned by root.
	// Default: /run/agentkernel/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// MemoryConfig holds paging, fabric, and frame allocator parameters.
type MemoryConfig struct {
	// FrameCount is the number of fixed-size physical frames managed
	// by the frame allocator. Default: 65536.
	FrameCount int `yaml:"frame_count"`

	// FrameSize is the size in bytes of each physical frame.
	// Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// DefaultLeaseDuration is the lifetime of a newly-created fabric
	// lease absent an explicit duration. Default: 1h.
	DefaultLeaseDuration time.Duration `yaml:"default_lease_duration"`

	// LeaseSweepInterval is how often expired fabric leases are swept.
	// Default: 1m.
	LeaseSweepInterval time.Duration `yaml:"lease_sweep_interval"`
}

// QuotaConfig holds default per-agent resource ceilings. Agents may be
// granted tighter or looser limits at spawn time; these are the
// fallback values used when none are specified.
type QuotaConfig struct {
	// MaxMemoryBytes is the default per-agent memory ceiling.
	// Default: 256MiB.
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes"`

	// MaxCPUMillis is the default per-agent CPU-time ceiling per
	// scheduling period, in milliseconds. Default: 1000.
	MaxCPUMillis uint64 `yaml:"max_cpu_millis"`

	// MaxDiskBytes is the default per-agent disk ceiling. Default: 1GiB.
	MaxDiskBytes uint64 `yaml:"max_disk_bytes"`

	// MaxNetworkBytesPerSec is the default per-agent network throughput
	// ceiling. Default: 10MiB/s.
	MaxNetworkBytesPerSec uint64 `yaml:"max_network_bytes_per_sec"`
}

// HealingConfig holds predictive-maintenance and autonomous-healing
// parameters.
type HealingConfig struct {
	// CheckInterval is how often the predictive maintenance scheduler
	// evaluates agents for healing. Default: 30s.
	CheckInterval time.Duration `yaml:"check_interval"`

	// FailureThreshold is the predicted failure probability above which
	// a healing procedure is triggered. Range: [0.0, 1.0]. Default: 0.7.
	FailureThreshold float64 `yaml:"failure_threshold"`

	// MaxRestartsPerAgent caps automatic restarts before escalating to
	// a human operator. Default: 3.
	MaxRestartsPerAgent int `yaml:"max_restarts_per_agent"`
}

// ResilienceConfig holds circuit breaker, retry, and degradation
// parameters.
type ResilienceConfig struct {
	// CircuitFailureThreshold is the consecutive-failure count that
	// trips a resource's circuit breaker. Default: 5.
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`

	// CircuitOpenTimeout is how long a tripped breaker stays Open
	// before allowing a half-open probe. Default: 1s.
	CircuitOpenTimeout time.Duration `yaml:"circuit_open_timeout"`

	// RetryMaxAttempts is the default retry policy's attempt ceiling.
	// Default: 3.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RetryInitialDelay is the default retry policy's first backoff
	// delay. Default: 1ms.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`

	// RetryMaxDelay caps the default retry policy's exponential
	// backoff. Default: 100ms.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// SMPConfig holds per-CPU scheduling parameters.
type SMPConfig struct {
	// Enabled controls whether multiple CPUs are brought online at
	// startup. When false, only the boot CPU runs. Default: true.
	Enabled bool `yaml:"enabled"`

	// LoadBalanceInterval is how often the SMP manager rebalances
	// agents across online CPUs. Default: 100ms.
	LoadBalanceInterval time.Duration `yaml:"load_balance_interval"`
}

// AuditConfig holds BoltDB-backed audit ledger parameters.
type AuditConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/agentkernel/audit.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// MLClientConfig holds optional ML-bridge parameters. The bridge is
// reached over the in-kernel IPC bus at mlclient.BridgeAgentID, not a
// network address — Enabled gates whether the scheduler's workload
// predictor and the healer's failure predictor consult it at all.
type MLClientConfig struct {
	// Enabled wires internal/mlclient.Client into the scheduler and
	// healer. When false both fall back to their rule-based paths.
	// Default: false.
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Scheduler: SchedulerConfig{
			MaxGoroutines:         4,
			EventQueueSize:        10000,
			MaxTrackedAgents:      8192,
			DefaultTimeSlice:      10 * time.Millisecond,
			WindowDuration:        5 * time.Second,
			WindowEvictionTimeout: 60 * time.Second,
		},
		Memory: MemoryConfig{
			FrameCount:           65536,
			FrameSize:            4096,
			DefaultLeaseDuration: time.Hour,
			LeaseSweepInterval:   time.Minute,
		},
		Quota: QuotaConfig{
			MaxMemoryBytes:        256 << 20,
			MaxCPUMillis:          1000,
			MaxDiskBytes:          1 << 30,
			MaxNetworkBytesPerSec: 10 << 20,
		},
		Healing: HealingConfig{
			CheckInterval:       30 * time.Second,
			FailureThreshold:    0.7,
			MaxRestartsPerAgent: 3,
		},
		Resilience: ResilienceConfig{
			CircuitFailureThreshold: 5,
			CircuitOpenTimeout:      time.Second,
			RetryMaxAttempts:        3,
			RetryInitialDelay:       time.Millisecond,
			RetryMaxDelay:           100 * time.Millisecond,
		},
		SMP: SMPConfig{
			Enabled:             true,
			LoadBalanceInterval: 100 * time.Millisecond,
		},
		Audit: AuditConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/agentkernel/operator.sock",
		},
		MLClient: MLClientConfig{
			Enabled: false,
		},
	}
}

// DefaultDBPath mirrors the audit package constant for use in config defaults.
const DefaultDBPath = "/var/lib/agentkernel/audit.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Scheduler.MaxGoroutines < 1 || cfg.Scheduler.MaxGoroutines > 64 {
		errs = append(errs, fmt.Sprintf("scheduler.max_goroutines must be in [1, 64], got %d", cfg.Scheduler.MaxGoroutines))
	}
	if cfg.Scheduler.EventQueueSize < 100 {
		errs = append(errs, fmt.Sprintf("scheduler.event_queue_size must be >= 100, got %d", cfg.Scheduler.EventQueueSize))
	}
	if cfg.Scheduler.MaxTrackedAgents < 1 || cfg.Scheduler.MaxTrackedAgents > 65536 {
		errs = append(errs, fmt.Sprintf("scheduler.max_tracked_agents must be in [1, 65536], got %d", cfg.Scheduler.MaxTrackedAgents))
	}
	if cfg.Scheduler.DefaultTimeSlice <= 0 {
		errs = append(errs, "scheduler.default_time_slice must be > 0")
	}
	if cfg.Memory.FrameCount < 1 {
		errs = append(errs, fmt.Sprintf("memory.frame_count must be >= 1, got %d", cfg.Memory.FrameCount))
	}
	if cfg.Memory.FrameSize < 1 {
		errs = append(errs, fmt.Sprintf("memory.frame_size must be >= 1, got %d", cfg.Memory.FrameSize))
	}
	if cfg.Quota.MaxMemoryBytes < 1 {
		errs = append(errs, "quota.max_memory_bytes must be >= 1")
	}
	if cfg.Healing.FailureThreshold < 0.0 || cfg.Healing.FailureThreshold > 1.0 {
		errs = append(errs, fmt.Sprintf("healing.failure_threshold must be in [0.0, 1.0], got %f", cfg.Healing.FailureThreshold))
	}
	if cfg.Healing.MaxRestartsPerAgent < 0 {
		errs = append(errs, "healing.max_restarts_per_agent must be >= 0")
	}
	if cfg.Resilience.CircuitFailureThreshold < 1 {
		errs = append(errs, "resilience.circuit_failure_threshold must be >= 1")
	}
	if cfg.Resilience.RetryMaxAttempts < 1 {
		errs = append(errs, "resilience.retry_max_attempts must be >= 1")
	}
	if cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path must not be empty")
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
	}
	if cfg.Scheduler.LightweightMode && cfg.SMP.Enabled {
		errs = append(errs, "scheduler.lightweight_mode=true is incompatible with smp.enabled=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
