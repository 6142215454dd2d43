// Package config loads and validates orchestrator configuration.
//
// Configuration comes from a TOML file plus ANATOME_-prefixed environment
// overrides, with documented defaults for every knob. Components receive the
// parsed Config by reference; nothing reads viper after load.
package config

import "time"

// Config is the root orchestrator configuration
type Config struct {
	Database  DatabaseConfig         `mapstructure:"database"`
	Server    ServerConfig           `mapstructure:"server"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	Limits    LimitsConfig           `mapstructure:"limits"`
	Queues    map[string]QueueConfig `mapstructure:"queues"`
	JobTypes  []JobTypeConfig        `mapstructure:"job_types"`
}

// DatabaseConfig configures the SQLite backing store
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite database file (default: anatome-orchestrator.db)
}

// ServerConfig configures the HTTP admin surface
type ServerConfig struct {
	Port           int      `mapstructure:"port"`            // default: 8080
	AdminToken     string   `mapstructure:"admin_token"`     // callers presenting this token get admin operations
	AllowedOrigins []string `mapstructure:"allowed_origins"` // websocket origin allowlist (empty = same origin only)
}

// SchedulerConfig configures the periodic driver and cron evaluation
type SchedulerConfig struct {
	Timezone               string `mapstructure:"timezone"`                 // IANA name for cron evaluation (default: UTC)
	PromoteIntervalSeconds int    `mapstructure:"promote_interval_seconds"` // delayed -> ready promotion (default: 1)
	StallSweepSeconds      int    `mapstructure:"stall_sweep_seconds"`      // expired-lease sweep (default: 30)
	MetricsRefreshSeconds  int    `mapstructure:"metrics_refresh_seconds"`  // queue aggregate refresh (default: 60)
	RetentionTrimHours     int    `mapstructure:"retention_trim_hours"`     // retention enforcement (default: 24)
	ExpireAfterDays        int    `mapstructure:"expire_after_days"`        // hard-delete terminal jobs older than this (default: 30)
	BackoffCeilingMS       int    `mapstructure:"backoff_ceiling_ms"`       // retry backoff cap (default: 300000 = 5 min)
}

// LimitsConfig bounds caller-supplied values
type LimitsConfig struct {
	MaxPayloadBytes int   `mapstructure:"max_payload_bytes"` // default: 1 MiB
	MaxDelayMS      int64 `mapstructure:"max_delay_ms"`      // default: 7 days
}

// QueueConfig carries per-queue execution policy. Queues not listed here
// still exist (the name set is fixed in the queue registry) and run on
// defaults.
type QueueConfig struct {
	Description     string  `mapstructure:"description"`
	Concurrency     int     `mapstructure:"concurrency"`      // worker slots (default: 2)
	RetryAttempts   int     `mapstructure:"retry_attempts"`   // default max_attempts for jobs (default: 3)
	RetryDelayMS    int     `mapstructure:"retry_delay_ms"`   // backoff base (default: 5000)
	RetainCompleted int     `mapstructure:"retain_completed"` // terminal retention cap (default: 100)
	RetainFailed    int     `mapstructure:"retain_failed"`    // terminal retention cap (default: 500)
	LeaseSeconds    int     `mapstructure:"lease_seconds"`    // reservation lease / handler deadline (default: 120)
	RatePerSec      float64 `mapstructure:"rate_per_sec"`     // outbound dispatch rate limit, 0 = unlimited
}

// JobTypeConfig registers a (queue, type) pair with its downstream worker
// endpoint. Submitting an unregistered pair fails with INVALID_JOB_TYPE.
type JobTypeConfig struct {
	Queue          string            `mapstructure:"queue"`
	Type           string            `mapstructure:"type"`
	URL            string            `mapstructure:"url"`             // downstream worker endpoint (POST)
	Method         string            `mapstructure:"method"`          // default: POST
	TimeoutSeconds int               `mapstructure:"timeout_seconds"` // overrides the queue lease for this type
	Headers        map[string]string `mapstructure:"headers"`         // forwarded verbatim on every call
	RequiredFields []string          `mapstructure:"required_fields"` // top-level payload keys validated at submit
}

// PromoteInterval returns the delay-promotion period as a duration.
func (s SchedulerConfig) PromoteInterval() time.Duration {
	return time.Duration(s.PromoteIntervalSeconds) * time.Second
}

// StallSweepInterval returns the stall-sweep period as a duration.
func (s SchedulerConfig) StallSweepInterval() time.Duration {
	return time.Duration(s.StallSweepSeconds) * time.Second
}

// MetricsRefreshInterval returns the metrics-refresh period as a duration.
func (s SchedulerConfig) MetricsRefreshInterval() time.Duration {
	return time.Duration(s.MetricsRefreshSeconds) * time.Second
}

// RetentionTrimInterval returns the retention-trim period as a duration.
func (s SchedulerConfig) RetentionTrimInterval() time.Duration {
	return time.Duration(s.RetentionTrimHours) * time.Hour
}

// BackoffCeiling returns the retry backoff cap as a duration.
func (s SchedulerConfig) BackoffCeiling() time.Duration {
	return time.Duration(s.BackoffCeilingMS) * time.Millisecond
}

// Lease returns the reservation lease as a duration.
func (q QueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// RetryDelay returns the backoff base as a duration.
func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMS) * time.Millisecond
}
