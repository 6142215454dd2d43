package control

import (
	"time"

	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/queue"
)

// MetricsReport summarizes terminal outcomes over a window.
type MetricsReport struct {
	Queue       string       `json:"queue,omitempty"`
	WindowHours int          `json:"window_hours"`
	Buckets     []job.Bucket `json:"hourly_buckets"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
}

// Metrics returns hourly terminal-outcome buckets plus totals, optionally
// restricted to one queue. windowHours defaults to 24. Admin only.
func (c *Control) Metrics(caller Caller, queueName string, windowHours int) (*MetricsReport, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if windowHours <= 0 {
		windowHours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	buckets, err := c.jobs.HourlyBuckets(queueName, since)
	if err != nil {
		return nil, err
	}

	report := &MetricsReport{
		Queue:       queueName,
		WindowHours: windowHours,
		Buckets:     buckets,
	}
	for _, b := range buckets {
		report.Completed += b.Completed
		report.Failed += b.Failed
	}
	return report, nil
}

// HealthSummary rolls up the per-queue health classifications. Overall is
// the worst individual queue.
type HealthSummary struct {
	Overall  string            `json:"overall"`
	PerQueue map[string]string `json:"per_queue"`
}

// HealthSummary reports per-queue and overall health.
func (c *Control) HealthSummary() (*HealthSummary, error) {
	descriptors, err := c.queues.List()
	if err != nil {
		return nil, err
	}

	summary := &HealthSummary{
		Overall:  queue.HealthHealthy,
		PerQueue: make(map[string]string, len(descriptors)),
	}
	for _, d := range descriptors {
		summary.PerQueue[d.Name] = d.HealthStatus
		if worse(d.HealthStatus, summary.Overall) {
			summary.Overall = d.HealthStatus
		}
	}
	return summary, nil
}

func worse(a, b string) bool {
	return healthRank(a) > healthRank(b)
}

func healthRank(h string) int {
	switch h {
	case queue.HealthError:
		return 2
	case queue.HealthWarning:
		return 1
	default:
		return 0
	}
}
