package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albinvar/anatome.ai/errors"
	testutil "github.com/albinvar/anatome.ai/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.CreateTestDB(t))
}

func mustCreate(t *testing.T, s *Store, queue, jobType, owner string, now time.Time) *Job {
	t.Helper()
	j := New(queue, jobType, json.RawMessage(`{"k":"v"}`), owner, now)
	require.NoError(t, s.Create(j))
	return j
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	j := New("video-scraping", "scrape_profile", json.RawMessage(`{"profile_id":"p1"}`), "user-1", now)
	j.Priority = 3
	j.MaxAttempts = 4
	require.NoError(t, s.Create(j))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "video-scraping", got.Queue)
	assert.Equal(t, "scrape_profile", got.Type)
	assert.Equal(t, "user-1", got.Owner)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, 4, got.MaxAttempts)
	assert.JSONEq(t, `{"profile_id":"p1"}`, string(got.Payload))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)
}

func TestStoreCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	j := New("cleanup", "purge", nil, "", now)
	require.NoError(t, s.Create(j))

	err := s.Create(j)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))
}

func TestStoreGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("jb_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStoreUpdate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	j := mustCreate(t, s, "video-analysis", "analyze", "user-1", now)

	j.Start(now.Add(time.Second))
	require.NoError(t, s.Update(j))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	j.Complete(json.RawMessage(`{"score":0.9}`), 2*time.Second, now.Add(3*time.Second))
	require.NoError(t, s.Update(j))

	got, err = s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(2000), got.ProcessingTimeMS)
	assert.JSONEq(t, `{"score":0.9}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
}

func TestStoreUpdateMissing(t *testing.T) {
	s := newTestStore(t)

	j := New("cleanup", "purge", nil, "", time.Now().UTC())
	err := s.Update(j)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStoreQueryFilters(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	j1 := mustCreate(t, s, "video-scraping", "scrape_profile", "alice", base)
	mustCreate(t, s, "video-scraping", "scrape_reels", "bob", base.Add(time.Second))
	j3 := mustCreate(t, s, "notifications", "send_email", "alice", base.Add(2*time.Second))

	j1.Start(base.Add(time.Second))
	j1.Fail("boom", base.Add(2*time.Second))
	require.NoError(t, s.Update(j1))

	// owner filter
	jobs, total, err := s.Query(Filter{Owner: "alice"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	// newest first
	assert.Equal(t, j3.ID, jobs[0].ID)
	assert.Equal(t, j1.ID, jobs[1].ID)

	// queue + status
	jobs, total, err = s.Query(Filter{Queue: "video-scraping", Status: StatusFailed}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, j1.ID, jobs[0].ID)

	// created window excludes the earliest
	after := base.Add(500 * time.Millisecond)
	_, total, err = s.Query(Filter{CreatedAfter: &after}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestStoreQueryPaging(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		mustCreate(t, s, "cleanup", "purge", "alice", base.Add(time.Duration(i)*time.Second))
	}

	jobs, total, err := s.Query(Filter{Owner: "alice"}, Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 2)
	// offset 2 of newest-first skips the two most recent
	assert.Equal(t, base.Add(2*time.Second), jobs[0].CreatedAt.UTC())
}

func TestStoreAggregate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	j1 := mustCreate(t, s, "video-scraping", "scrape_profile", "", now)
	j1.Start(now)
	j1.Complete(nil, time.Second, now)
	require.NoError(t, s.Update(j1))

	j2 := mustCreate(t, s, "video-scraping", "scrape_profile", "", now)
	j2.Start(now)
	j2.Complete(nil, 3*time.Second, now)
	require.NoError(t, s.Update(j2))

	mustCreate(t, s, "notifications", "send_email", "", now)

	rows, err := s.Aggregate([]string{"queue", "status"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byKey := make(map[string]AggregateRow)
	for _, r := range rows {
		byKey[r.Queue+"/"+string(r.Status)] = r
	}
	done := byKey["video-scraping/completed"]
	assert.Equal(t, 2, done.Count)
	assert.InDelta(t, 2000, done.AvgProcessingMS, 0.1)
	assert.Equal(t, 1, byKey["notifications/waiting"].Count)

	_, err = s.Aggregate([]string{"owner"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestStoreCountByStatusAndWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	j1 := mustCreate(t, s, "cleanup", "purge", "", now)
	j1.Start(now)
	j1.Complete(nil, time.Second, now)
	require.NoError(t, s.Update(j1))

	j2 := mustCreate(t, s, "cleanup", "purge", "", now)
	j2.Start(now)
	j2.Fail("boom", now)
	require.NoError(t, s.Update(j2))

	mustCreate(t, s, "cleanup", "purge", "", now)

	counts, err := s.CountByStatus("cleanup")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
	assert.Equal(t, 1, counts[StatusWaiting])

	stats, err := s.Window("cleanup", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 1000, stats.AvgProcessingMS, 0.1)
	require.NotNil(t, stats.LastCompletedAt)

	stats, err = s.Window("cleanup", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestStoreTrimRetention(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		j := mustCreate(t, s, "notifications", "send_email", "", base)
		j.Start(base)
		j.Complete(nil, time.Second, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Update(j))
	}
	for i := 0; i < 3; i++ {
		j := mustCreate(t, s, "notifications", "send_email", "", base)
		j.Start(base)
		j.Fail("boom", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Update(j))
	}
	active := mustCreate(t, s, "notifications", "send_email", "", base)
	active.Start(base)
	require.NoError(t, s.Update(active))

	removed, err := s.TrimRetention("notifications", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	counts, err := s.CountByStatus("notifications")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
	// non-terminal records are never trimmed
	assert.Equal(t, 1, counts[StatusActive])
}

func TestStoreExpireOlderThan(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	now := time.Now().UTC().Truncate(time.Second)

	stale := mustCreate(t, s, "cleanup", "purge", "", old)
	stale.Start(old)
	stale.Complete(nil, time.Second, old)
	require.NoError(t, s.Update(stale))

	fresh := mustCreate(t, s, "cleanup", "purge", "", now)
	fresh.Start(now)
	fresh.Complete(nil, time.Second, now)
	require.NoError(t, s.Update(fresh))

	// old but still waiting, must survive
	pending := mustCreate(t, s, "cleanup", "purge", "", old)

	removed, err := s.ExpireOlderThan(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(stale.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = s.Get(fresh.ID)
	require.NoError(t, err)
	_, err = s.Get(pending.ID)
	require.NoError(t, err)
}

func TestStoreRecentForQueue(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 4; i++ {
		mustCreate(t, s, "file-processing", "convert", "", base.Add(time.Duration(i)*time.Second))
	}

	jobs, err := s.RecentForQueue("file-processing", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))
}
