package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/metrics"
	"github.com/albinvar/anatome.ai/queue"
)

// SubmitFunc submits a job on behalf of the scheduler. Wired to the
// control plane at startup; a function type avoids a package cycle.
type SubmitFunc func(queueName, jobType string, payload json.RawMessage) (string, error)

// metricsWindow is the observation window for throughput and health.
const metricsWindow = time.Hour

// Scheduler runs the periodic tasks: delay promotion, stall sweep, metrics
// refresh, retention trim and cron fires. It is the only component that
// makes decisions from wall-clock time.
type Scheduler struct {
	jobs    *job.Store
	queues  *queue.Store
	broker  *broker.Broker
	entries *Store
	submit  SubmitFunc
	cfg     config.SchedulerConfig
	loc     *time.Location
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the scheduler. Call SetSubmit before Start so cron fires have
// somewhere to go.
func New(ctx context.Context, jobs *job.Store, queues *queue.Store, b *broker.Broker, entries *Store, cfg config.SchedulerConfig, loc *time.Location, logger *zap.SugaredLogger) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		jobs:    jobs,
		queues:  queues,
		broker:  b,
		entries: entries,
		cfg:     cfg,
		loc:     loc,
		logger:  logger.Named("scheduler"),
		ctx:     schedCtx,
		cancel:  cancel,
	}
}

// SetSubmit wires the submission path used by cron fires.
func (s *Scheduler) SetSubmit(fn SubmitFunc) {
	s.submit = fn
}

// Start launches the periodic tasks, each on its own timer. A task that
// overruns its period skips ticks instead of stacking.
func (s *Scheduler) Start() {
	s.logger.Infow("Starting scheduler",
		"promote_interval", s.cfg.PromoteInterval(),
		"stall_sweep", s.cfg.StallSweepInterval(),
		"metrics_refresh", s.cfg.MetricsRefreshInterval(),
		"retention_trim", s.cfg.RetentionTrimInterval(),
		"timezone", s.loc.String())

	s.runEvery("promote", s.cfg.PromoteInterval(), s.PromoteAll)
	s.runEvery("cron", s.cfg.PromoteInterval(), s.FireDue)
	s.runEvery("stall_sweep", s.cfg.StallSweepInterval(), s.SweepStalls)
	s.runEvery("metrics_refresh", s.cfg.MetricsRefreshInterval(), s.RefreshMetrics)
	s.runEvery("retention_trim", s.cfg.RetentionTrimInterval(), s.TrimRetention)
}

// Stop halts all periodic tasks and waits for in-progress runs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

func (s *Scheduler) runEvery(name string, interval time.Duration, task func(now time.Time)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case tick := <-ticker.C:
				task(tick.UTC())
			}
		}
	}()
}

// PromoteAll moves due delayed entries to ready on every unpaused queue.
func (s *Scheduler) PromoteAll(now time.Time) {
	for _, name := range queue.Names {
		if s.broker.IsPaused(name) {
			continue
		}
		n, err := s.broker.PromoteDue(name, now)
		if err != nil {
			metrics.SchedulerTaskErrors.WithLabelValues("promote").Inc()
			s.logger.Errorw("Delay promotion failed", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Debugw("Promoted delayed jobs", "queue", name, "count", n)
		}
	}
}

// SweepStalls settles expired reservations: the job goes back to waiting
// with backoff while attempts remain, otherwise it fails.
func (s *Scheduler) SweepStalls(now time.Time) {
	for _, name := range queue.Names {
		ids, tokens, err := s.broker.ReapExpiredLeases(name, now)
		if err != nil {
			metrics.SchedulerTaskErrors.WithLabelValues("stall_sweep").Inc()
			s.logger.Errorw("Lease reap failed", "queue", name, "error", err)
			continue
		}
		for i, id := range ids {
			s.settleStall(name, id, tokens[i], now)
		}
	}
}

func (s *Scheduler) settleStall(queueName, id, token string, now time.Time) {
	metrics.JobsStalled.WithLabelValues(queueName).Inc()

	j, err := s.jobs.Get(id)
	if err != nil {
		s.logger.Errorw("Stalled job has no loadable record",
			"queue", queueName, "job_id", id, "error", err)
		if !errors.IsNotFoundError(err) {
			return
		}
		// record is gone; drop the orphaned reservation
		if nerr := s.broker.Nack(queueName, id, token, nil, now); nerr != nil {
			s.logger.Errorw("Failed to drop orphaned reservation", "job_id", id, "error", nerr)
		}
		return
	}

	j.MarkStalled(now)

	if j.Exhausted() {
		if err := s.broker.Nack(queueName, id, token, nil, now); err != nil {
			s.logger.Errorw("Failed to settle stalled job", "job_id", id, "error", err)
			return
		}
		j.Fail(errors.Newf("stalled: lease expired after %d attempts", j.Attempts).Error(), now)
		s.persist(j)
		metrics.JobsFailed.WithLabelValues(j.Queue, j.Type).Inc()
		s.logger.Warnw("Stalled job exhausted retries", "job_id", id, "attempts", j.Attempts)
		return
	}

	backoff := job.Backoff(s.retryDelay(queueName), j.Attempts, s.cfg.BackoffCeiling())
	if err := s.broker.Nack(queueName, id, token, &backoff, now); err != nil {
		s.logger.Errorw("Failed to requeue stalled job", "job_id", id, "error", err)
		return
	}
	j.Requeue("stalled: lease expired", now.Add(backoff), now)
	s.persist(j)
	s.logger.Infow("Requeued stalled job", "job_id", id, "attempts", j.Attempts, "backoff", backoff)
}

// RefreshMetrics recomputes each queue's rolling stats over the last hour,
// reclassifies health and updates the depth gauges.
func (s *Scheduler) RefreshMetrics(now time.Time) {
	since := now.Add(-metricsWindow)
	for _, name := range queue.Names {
		stats, err := s.jobs.Window(name, since)
		if err != nil {
			metrics.SchedulerTaskErrors.WithLabelValues("metrics_refresh").Inc()
			s.logger.Errorw("Window stats failed", "queue", name, "error", err)
			continue
		}

		ratePerMin := float64(stats.Completed) / metricsWindow.Minutes()
		if err := s.queues.UpdateStats(name, ratePerMin, stats.AvgProcessingMS, stats.LastCompletedAt, now); err != nil {
			s.logger.Errorw("Failed to update queue stats", "queue", name, "error", err)
		}

		health := classifyHealth(stats.Completed, stats.Failed)
		if err := s.queues.UpdateHealth(name, health, now); err != nil {
			s.logger.Errorw("Failed to update queue health", "queue", name, "error", err)
		}

		if sizes, err := s.broker.Sizes(name); err == nil {
			metrics.QueueDepth.WithLabelValues(name, broker.SetReady).Set(float64(sizes.Waiting))
			metrics.QueueDepth.WithLabelValues(name, broker.SetInFlight).Set(float64(sizes.Active))
			metrics.QueueDepth.WithLabelValues(name, broker.SetDelayed).Set(float64(sizes.Delayed))
		}
	}
}

// classifyHealth applies the failure-rate rules inside the observation
// window.
func classifyHealth(completed, failed int) string {
	switch {
	case failed > completed:
		return queue.HealthError
	case failed > 10 && float64(failed) > 0.1*float64(completed):
		return queue.HealthWarning
	default:
		return queue.HealthHealthy
	}
}

// TrimRetention enforces per-queue retention caps and hard-expires
// terminal jobs past the configured cutoff.
func (s *Scheduler) TrimRetention(now time.Time) {
	for _, name := range queue.Names {
		d, err := s.queues.Get(name)
		if err != nil {
			continue
		}
		removed, err := s.jobs.TrimRetention(name, d.RetainCompleted, d.RetainFailed)
		if err != nil {
			metrics.SchedulerTaskErrors.WithLabelValues("retention_trim").Inc()
			s.logger.Errorw("Retention trim failed", "queue", name, "error", err)
			continue
		}
		if removed > 0 {
			s.logger.Infow("Trimmed terminal jobs", "queue", name, "removed", removed)
		}
	}

	if s.cfg.ExpireAfterDays > 0 {
		cutoff := now.Add(-time.Duration(s.cfg.ExpireAfterDays) * 24 * time.Hour)
		removed, err := s.jobs.ExpireOlderThan(cutoff)
		if err != nil {
			metrics.SchedulerTaskErrors.WithLabelValues("retention_trim").Inc()
			s.logger.Errorw("Hard expiry failed", "error", err)
			return
		}
		if removed > 0 {
			s.logger.Infow("Hard-expired old terminal jobs", "removed", removed, "cutoff", cutoff)
		}
	}
}

// FireDue submits a job for every cron entry whose time has come.
func (s *Scheduler) FireDue(now time.Time) {
	if s.submit == nil {
		return
	}
	due, err := s.entries.Due(now)
	if err != nil {
		metrics.SchedulerTaskErrors.WithLabelValues("cron").Inc()
		s.logger.Errorw("Due-entry query failed", "error", err)
		return
	}

	for _, e := range due {
		next, err := NextFire(e.Expression, now, s.loc)
		if err != nil {
			// stored expression no longer parses; stop the entry rather
			// than firing it forever
			s.logger.Errorw("Stopping cron entry with unparseable expression",
				"entry", e.Name, "expression", e.Expression, "error", err)
			_ = s.entries.SetState(e.Name, EntryStopped, now)
			continue
		}

		id, err := s.submit(e.Queue, e.Type, e.Payload)
		if err != nil {
			metrics.SchedulerTaskErrors.WithLabelValues("cron").Inc()
			s.logger.Errorw("Cron fire failed", "entry", e.Name, "error", err)
			// push the entry forward so a persistent failure cannot spin
			if rerr := s.entries.Reschedule(e.Name, next, now); rerr != nil {
				s.logger.Errorw("Failed to reschedule cron entry", "entry", e.Name, "error", rerr)
			}
			continue
		}

		metrics.CronFires.WithLabelValues(e.Name).Inc()
		if err := s.entries.MarkFired(e.Name, id, next, now); err != nil {
			s.logger.Errorw("Failed to record cron fire", "entry", e.Name, "error", err)
		}
		s.logger.Infow("Cron entry fired", "entry", e.Name, "job_id", id, "next_fire_at", next)
	}
}

func (s *Scheduler) persist(j *job.Job) {
	if err := s.jobs.Update(j); err != nil {
		s.logger.Errorw("Failed to persist job", "job_id", j.ID, "status", j.Status, "error", err)
	}
}

func (s *Scheduler) retryDelay(queueName string) time.Duration {
	d, err := s.queues.Get(queueName)
	if err != nil {
		return 5 * time.Second
	}
	return d.RetryDelay()
}
