// Package scheduler drives the orchestrator's periodic work: delay
// promotion, stall sweeps, metrics refresh, retention trims and cron-based
// recurring submissions.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/albinvar/anatome.ai/errors"
)

// Entry states.
const (
	EntryActive  = "active"
	EntryStopped = "stopped"
)

// Entry is a recurring submission template. On each fire the scheduler
// submits a fresh job with the stored queue, type and payload.
type Entry struct {
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Expression  string          `json:"expression"`
	State       string          `json:"state"`
	NextFireAt  *time.Time      `json:"next_fire_at,omitempty"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	LastJobID   string          `json:"last_job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewEntryName generates a name for entries registered without one.
func NewEntryName() string {
	return "cr_" + uuid.NewString()
}

// cronParser accepts standard 5-field expressions plus an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseExpression validates a 5- or 6-field cron expression.
func ParseExpression(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cannot parse %q", expr), errors.ErrInvalidCron)
	}
	return sched, nil
}

// NextFire evaluates an expression in the given timezone.
func NextFire(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	sched, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)), nil
}
