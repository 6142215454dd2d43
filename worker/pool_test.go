package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/config"
	testutil "github.com/albinvar/anatome.ai/internal/testing"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/queue"
)

type poolFixture struct {
	store  *job.Store
	queues *queue.Store
	broker *broker.Broker
	reg    *Registry
	db     *sql.DB
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	b, err := broker.New(conn, zap.NewNop().Sugar())
	require.NoError(t, err)

	f := &poolFixture{
		store:  job.NewStore(conn),
		queues: queue.NewStore(conn),
		broker: b,
		reg:    NewRegistry(),
		db:     conn,
	}
	for _, name := range queue.Names {
		_, err := f.queues.Ensure(name, config.DefaultQueueConfig(), time.Now().UTC())
		require.NoError(t, err)
	}
	return f
}

func (f *poolFixture) submit(t *testing.T, queueName, jobType string, maxAttempts int) *job.Job {
	t.Helper()
	now := time.Now().UTC()
	j := job.New(queueName, jobType, json.RawMessage(`{"k":"v"}`), "tester", now)
	j.MaxAttempts = maxAttempts
	require.NoError(t, f.store.Create(j))
	require.NoError(t, f.broker.Enqueue(queueName, j.ID, j.Priority, nil, now))
	return j
}

func (f *poolFixture) startPool(t *testing.T, queueName string, cfg PoolConfig) *Pool {
	t.Helper()
	p := NewPool(context.Background(), queueName, f.store, f.queues, f.broker, f.reg, nil, cfg, zap.NewNop().Sugar())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func fastPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:    2,
		Lease:          5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		BackoffCeiling: time.Minute,
	}
}

func (f *poolFixture) waitForStatus(t *testing.T, id string, want job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := f.store.Get(id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestPoolCompletesJob(t *testing.T) {
	f := newPoolFixture(t)

	f.reg.Register(queue.Cleanup, "purge", HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"purged":3}`), nil
	}))

	j := f.submit(t, queue.Cleanup, "purge", 3)
	f.startPool(t, queue.Cleanup, fastPoolConfig())

	got := f.waitForStatus(t, j.ID, job.StatusCompleted)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"purged":3}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	// terminal jobs leave the broker entirely
	sizes, err := f.broker.Sizes(queue.Cleanup)
	require.NoError(t, err)
	assert.Equal(t, broker.Sizes{}, sizes)
}

func TestPoolRetriesThenExhausts(t *testing.T) {
	f := newPoolFixture(t)

	var calls atomic.Int32
	f.reg.Register(queue.Cleanup, "purge", HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, context.Canceled // arbitrary retriable error
	}))

	// shrink the backoff so the retry happens within the test
	now := time.Now().UTC()
	require.NoError(t, f.queues.UpdateConfig(queue.Cleanup, 2, 2, 20, 100, 500, now))

	j := f.submit(t, queue.Cleanup, "purge", 2)
	f.startPool(t, queue.Cleanup, fastPoolConfig())

	// first failure requeues into delayed; promote manually like the
	// scheduler would
	require.Eventually(t, func() bool {
		sizes, err := f.broker.Sizes(queue.Cleanup)
		return err == nil && sizes.Delayed == 1
	}, 5*time.Second, 10*time.Millisecond)

	mid, err := f.store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, mid.Status)
	assert.Equal(t, 1, mid.Attempts)
	assert.NotEmpty(t, mid.Error)

	_, err = f.broker.PromoteDue(queue.Cleanup, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	got := f.waitForStatus(t, j.ID, job.StatusFailed)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	sizes, err := f.broker.Sizes(queue.Cleanup)
	require.NoError(t, err)
	assert.Equal(t, broker.Sizes{}, sizes)
}

func TestPoolFatalSkipsRetries(t *testing.T) {
	f := newPoolFixture(t)

	var calls atomic.Int32
	f.reg.Register(queue.Notifications, "send_email", HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, Fatalf("recipient rejected")
	}))

	j := f.submit(t, queue.Notifications, "send_email", 5)
	f.startPool(t, queue.Notifications, fastPoolConfig())

	got := f.waitForStatus(t, j.ID, job.StatusFailed)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.Error, "recipient rejected")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolUnregisteredTypeFails(t *testing.T) {
	f := newPoolFixture(t)

	j := f.submit(t, queue.FileProcessing, "convert", 3)
	f.startPool(t, queue.FileProcessing, fastPoolConfig())

	got := f.waitForStatus(t, j.ID, job.StatusFailed)
	assert.Contains(t, got.Error, "no handler registered")
}

func TestPoolConcurrencyBound(t *testing.T) {
	f := newPoolFixture(t)

	var running, peak atomic.Int32
	release := make(chan struct{})
	f.reg.Register(queue.VideoAnalysis, "analyze", HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	}))

	for i := 0; i < 6; i++ {
		f.submit(t, queue.VideoAnalysis, "analyze", 1)
	}

	cfg := fastPoolConfig()
	cfg.Concurrency = 2
	f.startPool(t, queue.VideoAnalysis, cfg)

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		counts, err := f.store.CountByStatus(queue.VideoAnalysis)
		return err == nil && counts[job.StatusCompleted] == 6
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), peak.Load())
}

func TestPoolSkipsPausedQueue(t *testing.T) {
	f := newPoolFixture(t)

	var calls atomic.Int32
	f.reg.Register(queue.Cleanup, "purge", HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}))

	require.NoError(t, f.broker.SetPaused(queue.Cleanup, true))
	j := f.submit(t, queue.Cleanup, "purge", 1)
	f.startPool(t, queue.Cleanup, fastPoolConfig())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())

	got, err := f.store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, got.Status)

	require.NoError(t, f.broker.SetPaused(queue.Cleanup, false))
	f.waitForStatus(t, j.ID, job.StatusCompleted)
}
