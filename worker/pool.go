package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/metrics"
	"github.com/albinvar/anatome.ai/queue"
)

// PoolConfig sizes one queue's pool.
type PoolConfig struct {
	Concurrency    int
	Lease          time.Duration
	PollInterval   time.Duration
	BackoffCeiling time.Duration
	RatePerSec     float64 // outbound dispatch rate, 0 = unlimited
}

// DefaultPoolConfig returns the pool defaults used when a queue has no
// explicit configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:    2,
		Lease:          2 * time.Minute,
		PollInterval:   time.Second,
		BackoffCeiling: 5 * time.Minute,
	}
}

// Pool owns the worker slots for one queue. Each slot loops: reserve from
// the broker, mark the job active, invoke the handler under the lease
// deadline, settle the outcome against store and broker.
type Pool struct {
	queueName string
	store     *job.Store
	queues    *queue.Store
	broker    *broker.Broker
	registry  *Registry
	emitter   job.Emitter
	limiter   *rate.Limiter
	cfg       PoolConfig
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool for one queue. Handlers must be registered before
// Start.
func NewPool(ctx context.Context, queueName string, store *job.Store, queues *queue.Store, b *broker.Broker, registry *Registry, emitter job.Emitter, cfg PoolConfig, logger *zap.SugaredLogger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 5 * time.Minute
	}
	if emitter == nil {
		emitter = job.NopEmitter{}
	}

	poolCtx, cancel := context.WithCancel(ctx)

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	return &Pool{
		queueName: queueName,
		store:     store,
		queues:    queues,
		broker:    b,
		registry:  registry,
		emitter:   emitter,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.Named("worker").With("queue", queueName),
		ctx:       poolCtx,
		cancel:    cancel,
	}
}

// Start launches the worker slots.
func (p *Pool) Start() {
	p.logger.Infow("Starting worker pool", "concurrency", p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.slot(i)
	}
}

// Stop cancels the slots and waits for in-progress handlers to settle,
// up to the lease duration.
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Infow("Worker pool stopped")
	case <-time.After(p.cfg.Lease):
		p.logger.Warnw("Worker pool stop timed out; abandoning in-flight work")
	}
}

func (p *Pool) slot(n int) {
	defer p.wg.Done()
	log := p.logger.With("slot", n)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
		}

		now := time.Now().UTC()
		id, token, err := p.broker.Reserve(p.queueName, p.cfg.Lease, now)
		if err != nil {
			log.Errorw("Reserve failed", "error", err)
			p.sleep()
			continue
		}
		if id == "" {
			p.sleep()
			continue
		}

		p.process(log, id, token)
	}
}

func (p *Pool) sleep() {
	select {
	case <-p.ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

func (p *Pool) process(log *zap.SugaredLogger, id, token string) {
	now := time.Now().UTC()

	j, err := p.store.Get(id)
	if err != nil {
		// the broker held a reservation for a record we cannot load;
		// requeue briefly unless the record is gone for good
		if errors.IsNotFoundError(err) {
			log.Warnw("Reserved job has no store record; dropping", "job_id", id)
			p.nack(log, id, token, nil)
			return
		}
		log.Errorw("Failed to load reserved job", "job_id", id, "error", err)
		after := p.retryDelay()
		p.nack(log, id, token, &after)
		return
	}

	j.Start(now)
	if err := p.store.Update(j); err != nil {
		log.Errorw("Failed to mark job active", "job_id", id, "error", err)
		after := p.retryDelay()
		p.nack(log, id, token, &after)
		return
	}
	p.emitter.JobUpdated(j)

	handler := p.registry.Get(p.queueName, j.Type)
	var result []byte
	var herr error
	started := time.Now()
	if handler == nil {
		herr = Fatalf("no handler registered for %s/%s", p.queueName, j.Type)
	} else {
		hctx, cancel := context.WithTimeout(p.ctx, p.cfg.Lease)
		result, herr = handler.Handle(hctx, j)
		cancel()
	}
	elapsed := time.Since(started)
	now = time.Now().UTC()

	switch {
	case herr == nil:
		if !p.ack(log, id, token) {
			return
		}
		j.Complete(result, elapsed, now)
		p.persist(log, j)
		metrics.JobsCompleted.WithLabelValues(j.Queue, j.Type).Inc()
		metrics.JobDuration.WithLabelValues(j.Queue, j.Type).Observe(elapsed.Seconds())
		log.Infow("Job completed", "job_id", id, "duration_ms", elapsed.Milliseconds())

	case errors.Is(herr, context.DeadlineExceeded) && elapsed >= p.cfg.Lease:
		// lease ran out mid-handler; abandon and let the stall sweep
		// settle the expired reservation
		log.Warnw("Handler exceeded lease; abandoning", "job_id", id, "lease", p.cfg.Lease)

	case IsFatal(herr) || j.Exhausted():
		if !p.nack(log, id, token, nil) {
			return
		}
		j.Fail(herr.Error(), now)
		p.persist(log, j)
		metrics.JobsFailed.WithLabelValues(j.Queue, j.Type).Inc()
		log.Warnw("Job failed", "job_id", id, "attempts", j.Attempts, "error", herr)

	default:
		backoff := job.Backoff(p.retryDelay(), j.Attempts, p.cfg.BackoffCeiling)
		if !p.nack(log, id, token, &backoff) {
			return
		}
		j.Requeue(herr.Error(), now.Add(backoff), now)
		p.persist(log, j)
		log.Infow("Job requeued for retry",
			"job_id", id, "attempts", j.Attempts, "backoff", backoff, "error", herr)
	}
}

// ack settles a successful reservation. Returns false if the token went
// stale, meaning the stall sweep already took the job over and this slot
// must not write the store.
func (p *Pool) ack(log *zap.SugaredLogger, id, token string) bool {
	return p.settled(log, id, p.broker.Ack(p.queueName, id, token))
}

// nack settles a failed reservation, optionally requeueing after a delay.
func (p *Pool) nack(log *zap.SugaredLogger, id, token string, requeueAfter *time.Duration) bool {
	return p.settled(log, id, p.broker.Nack(p.queueName, id, token, requeueAfter, time.Now().UTC()))
}

func (p *Pool) settled(log *zap.SugaredLogger, id string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, errors.ErrBadToken) {
		log.Warnw("Reservation token went stale; stall sweep owns the job", "job_id", id)
		return false
	}
	log.Errorw("Failed to settle reservation", "job_id", id, "error", err)
	return false
}

func (p *Pool) persist(log *zap.SugaredLogger, j *job.Job) {
	if err := p.store.Update(j); err != nil {
		log.Errorw("Failed to persist job outcome", "job_id", j.ID, "status", j.Status, "error", err)
		return
	}
	p.emitter.JobUpdated(j)
}

// retryDelay reads the queue's configured backoff base, falling back to
// five seconds when the descriptor is unavailable.
func (p *Pool) retryDelay() time.Duration {
	d, err := p.queues.Get(p.queueName)
	if err != nil {
		return 5 * time.Second
	}
	return d.RetryDelay()
}
