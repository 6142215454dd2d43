// Package control implements the administrative operations over the job
// store, broker and scheduler: submit, inspect, cancel, retry, queue
// management, scheduling and health rollups.
//
// Authorization happens here: callers arrive with an explicit owner and
// admin flag, and non-admins can only touch jobs they own.
package control

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/metrics"
	"github.com/albinvar/anatome.ai/queue"
	"github.com/albinvar/anatome.ai/scheduler"
)

// Caller identifies who is invoking an operation.
type Caller struct {
	Owner   string
	IsAdmin bool
}

// adminCaller is used for internal submissions (cron fires).
var adminCaller = Caller{IsAdmin: true}

// Control is the operations facade used by the HTTP layer and the
// scheduler's cron fires.
type Control struct {
	jobs    *job.Store
	queues  *queue.Store
	broker  *broker.Broker
	types   *queue.TypeRegistry
	sched   *scheduler.Scheduler
	cfg     *config.Config
	emitter job.Emitter
	logger  *zap.SugaredLogger
}

// New creates the control plane.
func New(jobs *job.Store, queues *queue.Store, b *broker.Broker, types *queue.TypeRegistry, sched *scheduler.Scheduler, cfg *config.Config, emitter job.Emitter, logger *zap.SugaredLogger) *Control {
	if emitter == nil {
		emitter = job.NopEmitter{}
	}
	return &Control{
		jobs:    jobs,
		queues:  queues,
		broker:  b,
		types:   types,
		sched:   sched,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.Named("control"),
	}
}

// SetEmitter rebinds the update emitter. Called once at wiring time,
// before traffic, because the websocket hub is built after the control
// plane.
func (c *Control) SetEmitter(e job.Emitter) {
	if e == nil {
		e = job.NopEmitter{}
	}
	c.emitter = e
}

// SubmitRequest carries a submission's options.
type SubmitRequest struct {
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	DelayMS     int64           `json:"delay_ms,omitempty"`
	ID          string          `json:"id,omitempty"`
}

// Submit validates a submission, writes the store record and enqueues it.
// Validation failures leave no record behind; a broker failure rolls the
// record back so no phantom job survives.
func (c *Control) Submit(caller Caller, req SubmitRequest) (string, error) {
	if !queue.IsValid(req.Queue) {
		return "", errors.Mark(errors.Newf("unknown queue: %s", req.Queue), errors.ErrInvalidQueue)
	}
	spec, err := c.types.Lookup(req.Queue, req.Type)
	if err != nil {
		return "", err
	}
	if len(req.Payload) > c.cfg.Limits.MaxPayloadBytes {
		return "", errors.Mark(
			errors.Newf("payload is %d bytes, limit %d", len(req.Payload), c.cfg.Limits.MaxPayloadBytes),
			errors.ErrPayloadTooLarge)
	}
	if err := c.types.ValidatePayload(spec, req.Payload); err != nil {
		return "", err
	}
	if req.DelayMS < 0 || req.DelayMS > c.cfg.Limits.MaxDelayMS {
		return "", errors.Mark(
			errors.Newf("delay %dms outside [0, %d]", req.DelayMS, c.cfg.Limits.MaxDelayMS),
			errors.ErrInvalidDelay)
	}

	now := time.Now().UTC()
	j := job.New(req.Queue, req.Type, req.Payload, caller.Owner, now)
	if req.ID != "" {
		j.ID = req.ID
	}
	j.Priority = req.Priority
	j.MaxAttempts = c.defaultMaxAttempts(req.Queue)
	if req.MaxAttempts > 0 {
		j.MaxAttempts = req.MaxAttempts
	}

	var delayUntil *time.Time
	if req.DelayMS > 0 {
		t := now.Add(time.Duration(req.DelayMS) * time.Millisecond)
		delayUntil = &t
		j.DelayUntil = &t
	}

	if err := c.jobs.Create(j); err != nil {
		return "", err
	}
	if err := c.broker.Enqueue(req.Queue, j.ID, j.Priority, delayUntil, now); err != nil {
		if derr := c.jobs.Delete(j.ID); derr != nil {
			c.logger.Errorw("Failed to roll back unenqueued job", "job_id", j.ID, "error", derr)
		}
		return "", err
	}

	metrics.JobsSubmitted.WithLabelValues(req.Queue, req.Type).Inc()
	c.emitter.JobUpdated(j)
	c.logger.Infow("Job submitted",
		"job_id", j.ID, "queue", req.Queue, "type", req.Type,
		"owner", caller.Owner, "delay_ms", req.DelayMS)
	return j.ID, nil
}

// SubmitInternal is the scheduler's cron-fire path.
func (c *Control) SubmitInternal(queueName, jobType string, payload json.RawMessage) (string, error) {
	return c.Submit(adminCaller, SubmitRequest{Queue: queueName, Type: jobType, Payload: payload})
}

// JobView is a store record merged with its live broker placement.
type JobView struct {
	*job.Job
	Placement string `json:"placement"`
}

// Placement values reported by Inspect.
const (
	PlacementWaiting  = "waiting"
	PlacementDelayed  = "delayed"
	PlacementInFlight = "in_flight"
	PlacementTerminal = "terminal"
)

// Inspect returns one job with its placement. Non-admins see only their
// own jobs.
func (c *Control) Inspect(caller Caller, id string) (*JobView, error) {
	j, err := c.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(caller, j); err != nil {
		return nil, err
	}
	return &JobView{Job: j, Placement: c.placement(j)}, nil
}

func (c *Control) placement(j *job.Job) string {
	if set, ok := c.broker.Placement(j.Queue, j.ID); ok {
		switch set {
		case broker.SetReady:
			return PlacementWaiting
		case broker.SetDelayed:
			return PlacementDelayed
		case broker.SetInFlight:
			return PlacementInFlight
		}
	}
	if j.Status.Terminal() {
		return PlacementTerminal
	}
	// record exists but the broker has no placement; report by status
	return string(j.Status)
}

// Cancel terminates a waiting or delayed job. Cancelling an active job is
// refused; cancelling a terminal job is a no-op.
func (c *Control) Cancel(caller Caller, id string) error {
	j, err := c.jobs.Get(id)
	if err != nil {
		return err
	}
	if err := c.authorize(caller, j); err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	if _, err := c.broker.Remove(j.Queue, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	j.Cancel(now)
	if err := c.jobs.Update(j); err != nil {
		return err
	}
	c.emitter.JobUpdated(j)
	c.logger.Infow("Job cancelled", "job_id", id, "by", caller.Owner)
	return nil
}

// Retry clones a failed job into a fresh submission. The original record
// is untouched except for the retried_as link.
func (c *Control) Retry(caller Caller, id string) (string, error) {
	j, err := c.jobs.Get(id)
	if err != nil {
		return "", err
	}
	if err := c.authorize(caller, j); err != nil {
		return "", err
	}
	if j.Status != job.StatusFailed {
		return "", errors.Mark(
			errors.Newf("job %s is %s, only failed jobs can be retried", id, j.Status),
			errors.ErrNotRetriable)
	}

	now := time.Now().UTC()
	clone := j.CloneForRetry(now)
	if err := c.jobs.Create(clone); err != nil {
		return "", err
	}
	if err := c.broker.Enqueue(clone.Queue, clone.ID, clone.Priority, nil, now); err != nil {
		if derr := c.jobs.Delete(clone.ID); derr != nil {
			c.logger.Errorw("Failed to roll back retry clone", "job_id", clone.ID, "error", derr)
		}
		return "", err
	}

	j.RetriedAs = clone.ID
	j.UpdatedAt = now
	if err := c.jobs.Update(j); err != nil {
		c.logger.Errorw("Failed to link retry", "job_id", id, "retried_as", clone.ID, "error", err)
	}

	metrics.JobsSubmitted.WithLabelValues(clone.Queue, clone.Type).Inc()
	c.emitter.JobUpdated(clone)
	c.logger.Infow("Job retried", "job_id", id, "new_job_id", clone.ID, "by", caller.Owner)
	return clone.ID, nil
}

// BulkOutcome is one job's result from BulkCancel.
type BulkOutcome struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BulkCancel cancels many jobs, reporting a per-id outcome.
func (c *Control) BulkCancel(caller Caller, ids []string) []BulkOutcome {
	out := make([]BulkOutcome, 0, len(ids))
	for _, id := range ids {
		if err := c.Cancel(caller, id); err != nil {
			out = append(out, BulkOutcome{ID: id, Error: err.Error()})
			continue
		}
		out = append(out, BulkOutcome{ID: id, OK: true})
	}
	return out
}

// ListForOwner lists jobs belonging to one owner. Non-admins can only
// list their own.
func (c *Control) ListForOwner(caller Caller, owner string, f job.Filter, p job.Page) ([]*job.Job, int, error) {
	if !caller.IsAdmin {
		if caller.Owner == "" {
			return nil, 0, errors.Mark(errors.New("listing requires an identity"), errors.ErrAuthRequired)
		}
		if owner != caller.Owner {
			return nil, 0, errors.Mark(errors.Newf("cannot list jobs for %s", owner), errors.ErrForbidden)
		}
	}
	f.Owner = owner
	return c.jobs.Query(f, p)
}

// ListForQueue lists one queue's jobs. Admin only.
func (c *Control) ListForQueue(caller Caller, queueName string, f job.Filter, p job.Page) ([]*job.Job, int, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, 0, err
	}
	if !queue.IsValid(queueName) {
		return nil, 0, errors.Mark(errors.Newf("unknown queue: %s", queueName), errors.ErrInvalidQueue)
	}
	f.Queue = queueName
	return c.jobs.Query(f, p)
}

func (c *Control) authorize(caller Caller, j *job.Job) error {
	if caller.IsAdmin {
		return nil
	}
	if caller.Owner == "" {
		return errors.Mark(errors.New("operation requires an identity"), errors.ErrAuthRequired)
	}
	if j.Owner != caller.Owner {
		return errors.Mark(errors.Newf("job %s belongs to another owner", j.ID), errors.ErrForbidden)
	}
	return nil
}

func requireAdmin(caller Caller) error {
	if !caller.IsAdmin {
		return errors.Mark(errors.New("operation is admin only"), errors.ErrAdminRequired)
	}
	return nil
}

func (c *Control) defaultMaxAttempts(queueName string) int {
	d, err := c.queues.Get(queueName)
	if err != nil || d.RetryAttempts <= 0 {
		return config.DefaultQueueConfig().RetryAttempts
	}
	return d.RetryAttempts
}
