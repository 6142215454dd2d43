// Package queue defines the fixed queue registry, per-queue descriptors and
// the job-type registry that binds (queue, type) pairs to downstream HTTP
// handlers.
package queue

import (
	"time"
)

// The orchestrator runs a closed set of queues. Submissions naming anything
// else are rejected before a record is created.
const (
	BusinessDiscovery  = "business-discovery"
	InstagramDetection = "instagram-detection"
	VideoScraping      = "video-scraping"
	VideoAnalysis      = "video-analysis"
	ReportGeneration   = "report-generation"
	FileProcessing     = "file-processing"
	Cleanup            = "cleanup"
	Notifications      = "notifications"
)

// Names lists every registered queue in display order.
var Names = []string{
	BusinessDiscovery,
	InstagramDetection,
	VideoScraping,
	VideoAnalysis,
	ReportGeneration,
	FileProcessing,
	Cleanup,
	Notifications,
}

// IsValid reports whether name is one of the registered queues.
func IsValid(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Health classification for a queue, recomputed by the scheduler.
const (
	HealthHealthy = "healthy"
	HealthWarning = "warning"
	HealthError   = "error"
)

// Descriptor is the persisted per-queue record: identity, runtime
// configuration and rolling statistics.
type Descriptor struct {
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	IsActive             bool       `json:"is_active"`
	Concurrency          int        `json:"concurrency"`
	RetryAttempts        int        `json:"retry_attempts"`
	RetryDelayMS         int64      `json:"retry_delay_ms"`
	RetainCompleted      int        `json:"retain_completed"`
	RetainFailed         int        `json:"retain_failed"`
	ProcessingRatePerMin float64    `json:"processing_rate_per_min"`
	AvgProcessingTimeMS  float64    `json:"avg_processing_time_ms"`
	LastProcessedAt      *time.Time `json:"last_processed_at,omitempty"`
	HealthStatus         string     `json:"health_status"`
	LastHealthCheck      *time.Time `json:"last_health_check,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RetryDelay returns the configured base retry delay.
func (d *Descriptor) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMS) * time.Millisecond
}
