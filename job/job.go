// Package job defines the persisted job record and its state machine.
//
// A Job is one unit of submitted work: an outbound HTTP call to a downstream
// worker service. The orchestrator drives it waiting -> active ->
// completed/failed, with stalled as a recoverable detour when a reservation
// lease expires. The Store in this package is the source of truth; broker
// placement is tracked separately and reconciled by the worker pool and
// scheduler.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStalled   Status = "stalled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusWaiting, StatusActive, StatusCompleted, StatusFailed, StatusStalled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RecordVersion is the current persisted job record layout version.
const RecordVersion = 1

// Job is one record per submission. Payload stays opaque at this boundary;
// the job-type registry validates it at submit time and handlers decode it.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Owner            string          `json:"owner,omitempty"`
	Status           Status          `json:"status"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	DelayUntil       *time.Time      `json:"delay_until,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessingTimeMS int64           `json:"processing_time_ms,omitempty"`
	RetriedAs        string          `json:"retried_as,omitempty"`
	RecordVersion    int             `json:"record_version"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	StalledAt        *time.Time      `json:"stalled_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewID generates a fresh job id.
func NewID() string {
	return "jb_" + uuid.NewString()
}

// New creates a job record in the waiting state. The caller sets priority,
// max attempts and delay before persisting.
func New(queue, jobType string, payload json.RawMessage, owner string, now time.Time) *Job {
	return &Job{
		ID:            NewID(),
		Queue:         queue,
		Type:          jobType,
		Payload:       payload,
		Owner:         owner,
		Status:        StatusWaiting,
		MaxAttempts:   1,
		RecordVersion: RecordVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Start marks the job as active and counts the dispatch attempt.
func (j *Job) Start(now time.Time) {
	j.Status = StatusActive
	j.StartedAt = &now
	j.Attempts++
	j.UpdatedAt = now
}

// Complete marks the job as completed with its result.
func (j *Job) Complete(result json.RawMessage, processingTime time.Duration, now time.Time) {
	j.Status = StatusCompleted
	j.Result = result
	j.Error = ""
	j.ProcessingTimeMS = processingTime.Milliseconds()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as terminally failed.
func (j *Job) Fail(errMsg string, now time.Time) {
	j.Status = StatusFailed
	j.Error = errMsg
	j.FailedAt = &now
	j.UpdatedAt = now
}

// Requeue puts a failed attempt back into waiting with a backoff deadline.
// The attempt count stays as incremented by Start; the error records the
// most recent failure.
func (j *Job) Requeue(errMsg string, delayUntil time.Time, now time.Time) {
	j.Status = StatusWaiting
	j.Error = errMsg
	j.DelayUntil = &delayUntil
	j.UpdatedAt = now
}

// MarkStalled records a lease expiry observed by the stall sweep.
func (j *Job) MarkStalled(now time.Time) {
	j.Status = StatusStalled
	j.StalledAt = &now
	j.UpdatedAt = now
}

// Cancel terminates a waiting or delayed job. Per the admin contract the
// record lands in failed with a fixed reason.
func (j *Job) Cancel(now time.Time) {
	j.Status = StatusFailed
	j.Error = "cancelled"
	j.FailedAt = &now
	j.UpdatedAt = now
}

// CloneForRetry builds a fresh job copying the original's submission fields.
// The new record gets its own id; the original is linked via RetriedAs by
// the caller.
func (j *Job) CloneForRetry(now time.Time) *Job {
	clone := New(j.Queue, j.Type, j.Payload, j.Owner, now)
	clone.Priority = j.Priority
	clone.MaxAttempts = j.MaxAttempts
	return clone
}

// Exhausted reports whether the job has used up its attempt budget.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
