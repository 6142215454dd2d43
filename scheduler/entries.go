package scheduler

import (
	"encoding/json"
	"time"

	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/metrics"
	"github.com/albinvar/anatome.ai/queue"
)

// AddEntry registers a recurring submission. An empty name gets a
// generated one. The expression is validated and the first fire computed
// in the scheduler's timezone.
func (s *Scheduler) AddEntry(name, queueName, jobType string, payload json.RawMessage, expr string, now time.Time) (*Entry, error) {
	if !queue.IsValid(queueName) {
		return nil, errors.Mark(errors.Newf("unknown queue: %s", queueName), errors.ErrInvalidQueue)
	}
	next, err := NextFire(expr, now, s.loc)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = NewEntryName()
	}

	e := &Entry{
		Name:       name,
		Queue:      queueName,
		Type:       jobType,
		Payload:    payload,
		Expression: expr,
		State:      EntryActive,
		NextFireAt: &next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.entries.Create(e); err != nil {
		return nil, err
	}
	s.logger.Infow("Registered cron entry",
		"entry", name, "queue", queueName, "type", jobType,
		"expression", expr, "next_fire_at", next)
	return e, nil
}

// StopEntry cancels future fires. Already-submitted jobs are unaffected.
func (s *Scheduler) StopEntry(name string, now time.Time) error {
	if err := s.entries.SetState(name, EntryStopped, now); err != nil {
		return err
	}
	s.logger.Infow("Stopped cron entry", "entry", name)
	return nil
}

// ResumeEntry reactivates a stopped entry with a freshly computed fire
// time.
func (s *Scheduler) ResumeEntry(name string, now time.Time) (*Entry, error) {
	e, err := s.entries.Get(name)
	if err != nil {
		return nil, err
	}
	next, err := NextFire(e.Expression, now, s.loc)
	if err != nil {
		return nil, err
	}
	if err := s.entries.SetState(name, EntryActive, now); err != nil {
		return nil, err
	}
	if err := s.entries.Reschedule(name, next, now); err != nil {
		return nil, err
	}
	return s.entries.Get(name)
}

// DeleteEntry removes an entry entirely.
func (s *Scheduler) DeleteEntry(name string) error {
	return s.entries.Delete(name)
}

// GetEntry retrieves one entry.
func (s *Scheduler) GetEntry(name string) (*Entry, error) {
	return s.entries.Get(name)
}

// ListEntries returns every registered entry.
func (s *Scheduler) ListEntries() ([]*Entry, error) {
	return s.entries.List()
}

// Trigger fires an entry immediately, outside its schedule. Only active
// entries are triggerable; the regular schedule is untouched except for
// the recorded last fire.
func (s *Scheduler) Trigger(name string, now time.Time) (string, error) {
	if s.submit == nil {
		return "", errors.New("scheduler has no submit path wired")
	}
	e, err := s.entries.Get(name)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return "", errors.Mark(errors.Newf("no cron entry named %s", name), errors.ErrNotTriggerable)
		}
		return "", err
	}
	if e.State != EntryActive {
		return "", errors.Mark(errors.Newf("cron entry %s is stopped", name), errors.ErrNotTriggerable)
	}

	id, err := s.submit(e.Queue, e.Type, e.Payload)
	if err != nil {
		return "", err
	}

	metrics.CronFires.WithLabelValues(e.Name).Inc()
	next := e.NextFireAt
	if next == nil {
		n, nerr := NextFire(e.Expression, now, s.loc)
		if nerr == nil {
			next = &n
		}
	}
	if next != nil {
		if err := s.entries.MarkFired(name, id, *next, now); err != nil {
			s.logger.Errorw("Failed to record manual fire", "entry", name, "error", err)
		}
	}
	s.logger.Infow("Manually fired cron entry", "entry", name, "job_id", id)
	return id, nil
}
