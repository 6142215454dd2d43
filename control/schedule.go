package control

import (
	"encoding/json"
	"time"

	"github.com/albinvar/anatome.ai/scheduler"
)

// ScheduleDelayed submits a job that becomes eligible after delayMS.
func (c *Control) ScheduleDelayed(caller Caller, queueName, jobType string, payload json.RawMessage, delayMS int64) (string, error) {
	return c.Submit(caller, SubmitRequest{
		Queue:   queueName,
		Type:    jobType,
		Payload: payload,
		DelayMS: delayMS,
	})
}

// ScheduleRepeating registers a cron entry. The (queue, type) pair must be
// registered like any submission; the expression is validated before the
// entry is stored.
func (c *Control) ScheduleRepeating(caller Caller, name, queueName, jobType string, payload json.RawMessage, cronExpr string) (*scheduler.Entry, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	spec, err := c.types.Lookup(queueName, jobType)
	if err != nil {
		return nil, err
	}
	if err := c.types.ValidatePayload(spec, payload); err != nil {
		return nil, err
	}
	return c.sched.AddEntry(name, queueName, jobType, payload, cronExpr, time.Now().UTC())
}

// CancelRepeating stops a cron entry's future fires.
func (c *Control) CancelRepeating(caller Caller, name string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return c.sched.StopEntry(name, time.Now().UTC())
}

// ResumeRepeating reactivates a stopped cron entry with a freshly
// computed next fire.
func (c *Control) ResumeRepeating(caller Caller, name string) (*scheduler.Entry, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return c.sched.ResumeEntry(name, time.Now().UTC())
}

// DeleteRepeating removes a cron entry outright.
func (c *Control) DeleteRepeating(caller Caller, name string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return c.sched.DeleteEntry(name)
}

// TriggerScheduled fires a cron entry immediately. Admin only.
func (c *Control) TriggerScheduled(caller Caller, name string) (string, error) {
	if err := requireAdmin(caller); err != nil {
		return "", err
	}
	return c.sched.Trigger(name, time.Now().UTC())
}

// ListScheduled returns every registered cron entry.
func (c *Control) ListScheduled() ([]*scheduler.Entry, error) {
	return c.sched.ListEntries()
}
