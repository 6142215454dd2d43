package control

import (
	"time"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/queue"
)

// QueueView is a descriptor with its live broker sizes.
type QueueView struct {
	*queue.Descriptor
	Sizes broker.Sizes `json:"sizes"`
}

// QueueDetailView adds recent jobs and the per-type rollup.
type QueueDetailView struct {
	QueueView
	RecentJobs []*job.Job         `json:"recent_jobs"`
	TypeRollup []job.AggregateRow `json:"type_rollup"`
	Types      []string           `json:"registered_types"`
}

// QueueList returns every queue descriptor with live sizes. Admin only.
func (c *Control) QueueList(caller Caller) ([]QueueView, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	descriptors, err := c.queues.List()
	if err != nil {
		return nil, err
	}
	out := make([]QueueView, 0, len(descriptors))
	for _, d := range descriptors {
		sizes, err := c.broker.Sizes(d.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueView{Descriptor: d, Sizes: sizes})
	}
	return out, nil
}

// QueueDetail returns one queue's descriptor, live sizes, recent jobs and
// per-type rollup. Admin only.
func (c *Control) QueueDetail(caller Caller, queueName string) (*QueueDetailView, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	d, err := c.queues.Get(queueName)
	if err != nil {
		return nil, err
	}
	sizes, err := c.broker.Sizes(queueName)
	if err != nil {
		return nil, err
	}
	recent, err := c.jobs.RecentForQueue(queueName, 20)
	if err != nil {
		return nil, err
	}
	rollup, err := c.jobs.TypeRollup(queueName)
	if err != nil {
		return nil, err
	}
	return &QueueDetailView{
		QueueView:  QueueView{Descriptor: d, Sizes: sizes},
		RecentJobs: recent,
		TypeRollup: rollup,
		Types:      c.types.TypesFor(queueName),
	}, nil
}

// PauseQueue suspends reservation for a queue. In-flight jobs finish.
func (c *Control) PauseQueue(caller Caller, queueName string) error {
	return c.setQueueActive(caller, queueName, false)
}

// ResumeQueue re-enables reservation; accumulated ready jobs dispatch in
// their original order.
func (c *Control) ResumeQueue(caller Caller, queueName string) error {
	return c.setQueueActive(caller, queueName, true)
}

func (c *Control) setQueueActive(caller Caller, queueName string, active bool) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := c.queues.SetActive(queueName, active, now); err != nil {
		return err
	}
	if err := c.broker.SetPaused(queueName, !active); err != nil {
		return err
	}
	c.logger.Infow("Queue active flag changed", "queue", queueName, "active", active)
	return nil
}

// CleanQueue deletes a queue's terminal jobs older than the given age,
// optionally restricted to one terminal status.
func (c *Control) CleanQueue(caller Caller, queueName string, olderThan time.Duration, status job.Status) (int, error) {
	if err := requireAdmin(caller); err != nil {
		return 0, err
	}
	if !queue.IsValid(queueName) {
		return 0, errors.Mark(errors.Newf("unknown queue: %s", queueName), errors.ErrInvalidQueue)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := c.jobs.Clean(queueName, cutoff, status)
	if err != nil {
		return 0, err
	}
	c.logger.Infow("Queue cleaned", "queue", queueName, "removed", removed, "older_than", olderThan)
	return removed, nil
}

// QueueConfigUpdate carries the runtime-adjustable queue settings.
type QueueConfigUpdate struct {
	Concurrency     int   `json:"concurrency"`
	RetryAttempts   int   `json:"retry_attempts"`
	RetryDelayMS    int64 `json:"retry_delay_ms"`
	RetainCompleted int   `json:"retain_completed"`
	RetainFailed    int   `json:"retain_failed"`
}

// UpdateQueueConfig patches a queue's runtime settings. Concurrency
// changes apply to pools on the next restart.
func (c *Control) UpdateQueueConfig(caller Caller, queueName string, u QueueConfigUpdate) (*queue.Descriptor, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := c.queues.UpdateConfig(queueName, u.Concurrency, u.RetryAttempts, u.RetryDelayMS, u.RetainCompleted, u.RetainFailed, now); err != nil {
		return nil, err
	}
	c.logger.Infow("Queue config updated", "queue", queueName)
	return c.queues.Get(queueName)
}
