package config

import (
	"github.com/spf13/viper"
)

// Default service constants
const (
	DefaultServerPort      = 8080
	DefaultDatabasePath    = "anatome-orchestrator.db"
	DefaultMaxPayloadBytes = 1 << 20             // 1 MiB
	DefaultMaxDelayMS      = 7 * 24 * 3600 * 1000 // 7 days
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Scheduler defaults
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.promote_interval_seconds", 1)
	v.SetDefault("scheduler.stall_sweep_seconds", 30)
	v.SetDefault("scheduler.metrics_refresh_seconds", 60)
	v.SetDefault("scheduler.retention_trim_hours", 24)
	v.SetDefault("scheduler.expire_after_days", 30)
	v.SetDefault("scheduler.backoff_ceiling_ms", 300000) // 5 minutes

	// Caller-supplied value limits
	v.SetDefault("limits.max_payload_bytes", DefaultMaxPayloadBytes)
	v.SetDefault("limits.max_delay_ms", DefaultMaxDelayMS)
}

// DefaultQueueConfig returns the execution policy used for queues the
// configuration file does not mention.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:     2,
		RetryAttempts:   3,
		RetryDelayMS:    5000,
		RetainCompleted: 100,
		RetainFailed:    500,
		LeaseSeconds:    120,
	}
}

// QueueOrDefault returns the configured policy for a queue, filling unset
// fields from DefaultQueueConfig.
func (c *Config) QueueOrDefault(name string) QueueConfig {
	def := DefaultQueueConfig()
	qc, ok := c.Queues[name]
	if !ok {
		return def
	}
	if qc.Concurrency <= 0 {
		qc.Concurrency = def.Concurrency
	}
	if qc.RetryAttempts <= 0 {
		qc.RetryAttempts = def.RetryAttempts
	}
	if qc.RetryDelayMS <= 0 {
		qc.RetryDelayMS = def.RetryDelayMS
	}
	if qc.RetainCompleted <= 0 {
		qc.RetainCompleted = def.RetainCompleted
	}
	if qc.RetainFailed <= 0 {
		qc.RetainFailed = def.RetainFailed
	}
	if qc.LeaseSeconds <= 0 {
		qc.LeaseSeconds = def.LeaseSeconds
	}
	return qc
}
