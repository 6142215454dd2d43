package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/errors"
	testutil "github.com/albinvar/anatome.ai/internal/testing"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/queue"
)

type schedFixture struct {
	sched  *Scheduler
	jobs   *job.Store
	queues *queue.Store
	broker *broker.Broker
	db     *sql.DB

	submitted []submission
}

type submission struct {
	Queue   string
	Type    string
	Payload json.RawMessage
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	b, err := broker.New(conn, zap.NewNop().Sugar())
	require.NoError(t, err)

	f := &schedFixture{
		jobs:   job.NewStore(conn),
		queues: queue.NewStore(conn),
		broker: b,
		db:     conn,
	}
	now := time.Now().UTC()
	for _, name := range queue.Names {
		_, err := f.queues.Ensure(name, config.DefaultQueueConfig(), now)
		require.NoError(t, err)
	}

	cfg := config.SchedulerConfig{
		Timezone:               "UTC",
		PromoteIntervalSeconds: 1,
		StallSweepSeconds:      30,
		MetricsRefreshSeconds:  60,
		RetentionTrimHours:     24,
		ExpireAfterDays:        30,
		BackoffCeilingMS:       300000,
	}
	f.sched = New(context.Background(), f.jobs, f.queues, b, NewStore(conn), cfg, time.UTC, zap.NewNop().Sugar())
	f.sched.SetSubmit(func(queueName, jobType string, payload json.RawMessage) (string, error) {
		f.submitted = append(f.submitted, submission{queueName, jobType, payload})
		j := job.New(queueName, jobType, payload, "", time.Now().UTC())
		require.NoError(t, f.jobs.Create(j))
		require.NoError(t, f.broker.Enqueue(queueName, j.ID, 0, nil, time.Now().UTC()))
		return j.ID, nil
	})
	return f
}

func TestParseExpression(t *testing.T) {
	_, err := ParseExpression("*/5 * * * *")
	require.NoError(t, err)

	// optional seconds field
	_, err = ParseExpression("30 */5 * * * *")
	require.NoError(t, err)

	_, err = ParseExpression("not a cron")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidCron))

	_, err = ParseExpression("61 * * * *")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidCron))
}

func TestNextFireTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// daily at 09:00 local
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextFire("0 9 * * *", after, loc)
	require.NoError(t, err)
	assert.Equal(t, 9, next.In(loc).Hour())
}

func TestEntryStore(t *testing.T) {
	s := NewStore(testutil.CreateTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)
	due := now.Add(-time.Minute)

	e := &Entry{
		Name:       "nightly-report",
		Queue:      queue.ReportGeneration,
		Type:       "render",
		Payload:    json.RawMessage(`{"template":"daily"}`),
		Expression: "0 3 * * *",
		State:      EntryActive,
		NextFireAt: &due,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.Create(e))

	err := s.Create(e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))

	got, err := s.Get("nightly-report")
	require.NoError(t, err)
	assert.Equal(t, queue.ReportGeneration, got.Queue)
	assert.JSONEq(t, `{"template":"daily"}`, string(got.Payload))

	dueEntries, err := s.Due(now)
	require.NoError(t, err)
	require.Len(t, dueEntries, 1)

	next := now.Add(24 * time.Hour)
	require.NoError(t, s.MarkFired("nightly-report", "jb_x", next, now))

	dueEntries, err = s.Due(now)
	require.NoError(t, err)
	assert.Empty(t, dueEntries)

	got, err = s.Get("nightly-report")
	require.NoError(t, err)
	assert.Equal(t, "jb_x", got.LastJobID)
	require.NotNil(t, got.LastFiredAt)

	// stopping clears the pending fire
	require.NoError(t, s.SetState("nightly-report", EntryStopped, now))
	got, err = s.Get("nightly-report")
	require.NoError(t, err)
	assert.Nil(t, got.NextFireAt)

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestAddEntryValidation(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC()

	e, err := f.sched.AddEntry("", queue.Cleanup, "purge", nil, "*/10 * * * *", now)
	require.NoError(t, err)
	assert.Contains(t, e.Name, "cr_")
	require.NotNil(t, e.NextFireAt)
	assert.True(t, e.NextFireAt.After(now))

	_, err = f.sched.AddEntry("bad-queue", "bogus", "x", nil, "* * * * *", now)
	assert.True(t, errors.Is(err, errors.ErrInvalidQueue))

	_, err = f.sched.AddEntry("bad-expr", queue.Cleanup, "purge", nil, "nope", now)
	assert.True(t, errors.Is(err, errors.ErrInvalidCron))
}

func TestFireDue(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC()

	_, err := f.sched.AddEntry("hourly-cleanup", queue.Cleanup, "purge", json.RawMessage(`{"scope":"tmp"}`), "0 * * * *", now)
	require.NoError(t, err)

	// force the entry due
	require.NoError(t, f.sched.entries.Reschedule("hourly-cleanup", now.Add(-time.Second), now))

	f.sched.FireDue(now)
	require.Len(t, f.submitted, 1)
	assert.Equal(t, queue.Cleanup, f.submitted[0].Queue)
	assert.Equal(t, "purge", f.submitted[0].Type)

	// rescheduled into the future, so a second run is a no-op
	f.sched.FireDue(now)
	assert.Len(t, f.submitted, 1)

	e, err := f.sched.GetEntry("hourly-cleanup")
	require.NoError(t, err)
	assert.NotEmpty(t, e.LastJobID)
	require.NotNil(t, e.NextFireAt)
	assert.True(t, e.NextFireAt.After(now))
}

func TestStoppedEntryDoesNotFire(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC()

	_, err := f.sched.AddEntry("paused-entry", queue.Cleanup, "purge", nil, "* * * * *", now)
	require.NoError(t, err)
	require.NoError(t, f.sched.StopEntry("paused-entry", now))

	f.sched.FireDue(now.Add(2 * time.Minute))
	assert.Empty(t, f.submitted)

	// resume recomputes the fire time
	e, err := f.sched.ResumeEntry("paused-entry", now)
	require.NoError(t, err)
	assert.Equal(t, EntryActive, e.State)
	require.NotNil(t, e.NextFireAt)
}

func TestTrigger(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC()

	_, err := f.sched.AddEntry("manual", queue.Notifications, "send_email", nil, "0 0 1 * *", now)
	require.NoError(t, err)

	id, err := f.sched.Trigger("manual", now)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, f.submitted, 1)

	_, err = f.sched.Trigger("ghost", now)
	assert.True(t, errors.Is(err, errors.ErrNotTriggerable))

	require.NoError(t, f.sched.StopEntry("manual", now))
	_, err = f.sched.Trigger("manual", now)
	assert.True(t, errors.Is(err, errors.ErrNotTriggerable))
}

func TestSweepStalls(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC()

	// retriable stall: attempts below the cap
	j1 := job.New(queue.VideoScraping, "scrape_profile", nil, "", now)
	j1.MaxAttempts = 3
	require.NoError(t, f.jobs.Create(j1))
	require.NoError(t, f.broker.Enqueue(queue.VideoScraping, j1.ID, 0, nil, now))
	_, _, err := f.broker.Reserve(queue.VideoScraping, 10*time.Millisecond, now)
	require.NoError(t, err)
	j1.Start(now)
	require.NoError(t, f.jobs.Update(j1))

	// exhausted stall
	j2 := job.New(queue.VideoScraping, "scrape_profile", nil, "", now)
	j2.MaxAttempts = 1
	require.NoError(t, f.jobs.Create(j2))
	require.NoError(t, f.broker.Enqueue(queue.VideoScraping, j2.ID, 0, nil, now))
	_, _, err = f.broker.Reserve(queue.VideoScraping, 10*time.Millisecond, now)
	require.NoError(t, err)
	j2.Start(now)
	require.NoError(t, f.jobs.Update(j2))

	f.sched.SweepStalls(now.Add(time.Minute))

	got1, err := f.jobs.Get(j1.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, got1.Status)
	require.NotNil(t, got1.StalledAt)
	require.NotNil(t, got1.DelayUntil)

	set, ok := f.broker.Placement(queue.VideoScraping, j1.ID)
	require.True(t, ok)
	assert.Equal(t, broker.SetDelayed, set)

	got2, err := f.jobs.Get(j2.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got2.Status)
	assert.Contains(t, got2.Error, "stalled")
	_, ok = f.broker.Placement(queue.VideoScraping, j2.ID)
	assert.False(t, ok)
}

func TestRefreshMetricsHealth(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	mk := func(q string, status job.Status) {
		j := job.New(q, "t", nil, "", now)
		require.NoError(t, f.jobs.Create(j))
		j.Start(now)
		if status == job.StatusCompleted {
			j.Complete(nil, time.Second, now)
		} else {
			j.Fail("x", now)
		}
		require.NoError(t, f.jobs.Update(j))
	}

	// error: more failures than completions
	mk(queue.VideoScraping, job.StatusFailed)
	mk(queue.VideoScraping, job.StatusFailed)
	mk(queue.VideoScraping, job.StatusCompleted)

	// healthy: completions only
	mk(queue.Cleanup, job.StatusCompleted)

	f.sched.RefreshMetrics(now)

	d, err := f.queues.Get(queue.VideoScraping)
	require.NoError(t, err)
	assert.Equal(t, queue.HealthError, d.HealthStatus)

	d, err = f.queues.Get(queue.Cleanup)
	require.NoError(t, err)
	assert.Equal(t, queue.HealthHealthy, d.HealthStatus)
	assert.Greater(t, d.ProcessingRatePerMin, 0.0)
	require.NotNil(t, d.LastProcessedAt)
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, queue.HealthHealthy, classifyHealth(0, 0))
	assert.Equal(t, queue.HealthHealthy, classifyHealth(100, 5))
	assert.Equal(t, queue.HealthError, classifyHealth(3, 4))
	assert.Equal(t, queue.HealthWarning, classifyHealth(200, 30))
	// few failures stay healthy even at a high ratio
	assert.Equal(t, queue.HealthHealthy, classifyHealth(20, 8))
	// warning needs more than ten failures
	assert.Equal(t, queue.HealthWarning, classifyHealth(50, 11))
}

func TestSchedulerTrimRetention(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, f.queues.UpdateConfig(queue.Cleanup, 2, 3, 5000, 1, 1, now))

	for i := 0; i < 3; i++ {
		j := job.New(queue.Cleanup, "purge", nil, "", now)
		require.NoError(t, f.jobs.Create(j))
		j.Start(now)
		j.Complete(nil, time.Second, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, f.jobs.Update(j))
	}

	f.sched.TrimRetention(now)

	counts, err := f.jobs.CountByStatus(queue.Cleanup)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[job.StatusCompleted])
}
