package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/errors"
	testutil "github.com/albinvar/anatome.ai/internal/testing"
)

func TestIsValid(t *testing.T) {
	for _, name := range Names {
		assert.True(t, IsValid(name), name)
	}
	assert.False(t, IsValid("made-up-queue"))
	assert.False(t, IsValid(""))
}

func TestStoreEnsure(t *testing.T) {
	s := NewStore(testutil.CreateTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	qc := config.DefaultQueueConfig()
	qc.Description = "scrapes reels and profiles"
	qc.Concurrency = 4

	d, err := s.Ensure(VideoScraping, qc, now)
	require.NoError(t, err)
	assert.Equal(t, VideoScraping, d.Name)
	assert.True(t, d.IsActive)
	assert.Equal(t, 4, d.Concurrency)
	assert.Equal(t, HealthHealthy, d.HealthStatus)

	// second Ensure is a no-op returning the stored row
	qc.Concurrency = 9
	again, err := s.Ensure(VideoScraping, qc, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 4, again.Concurrency)

	_, err = s.Ensure("bogus", qc, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidQueue))
}

func TestStoreSetActiveAndList(t *testing.T) {
	s := NewStore(testutil.CreateTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)
	qc := config.DefaultQueueConfig()

	for _, name := range []string{Cleanup, Notifications} {
		_, err := s.Ensure(name, qc, now)
		require.NoError(t, err)
	}

	require.NoError(t, s.SetActive(Cleanup, false, now))

	d, err := s.Get(Cleanup)
	require.NoError(t, err)
	assert.False(t, d.IsActive)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, Cleanup, list[0].Name)
	assert.Equal(t, Notifications, list[1].Name)

	err = s.SetActive("missing", true, now)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStoreUpdateConfig(t *testing.T) {
	s := NewStore(testutil.CreateTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.Ensure(ReportGeneration, config.DefaultQueueConfig(), now)
	require.NoError(t, err)

	require.NoError(t, s.UpdateConfig(ReportGeneration, 8, 5, 10000, 50, 200, now))

	d, err := s.Get(ReportGeneration)
	require.NoError(t, err)
	assert.Equal(t, 8, d.Concurrency)
	assert.Equal(t, 5, d.RetryAttempts)
	assert.Equal(t, int64(10000), d.RetryDelayMS)
	assert.Equal(t, 50, d.RetainCompleted)
	assert.Equal(t, 200, d.RetainFailed)

	err = s.UpdateConfig(ReportGeneration, -1, 0, 0, 0, 0, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestStoreStatsAndHealth(t *testing.T) {
	s := NewStore(testutil.CreateTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.Ensure(VideoAnalysis, config.DefaultQueueConfig(), now)
	require.NoError(t, err)

	processed := now.Add(-time.Minute)
	require.NoError(t, s.UpdateStats(VideoAnalysis, 12.5, 840, &processed, now))
	require.NoError(t, s.UpdateHealth(VideoAnalysis, HealthWarning, now))

	d, err := s.Get(VideoAnalysis)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, d.ProcessingRatePerMin, 0.001)
	assert.InDelta(t, 840, d.AvgProcessingTimeMS, 0.001)
	require.NotNil(t, d.LastProcessedAt)
	assert.Equal(t, HealthWarning, d.HealthStatus)
	require.NotNil(t, d.LastHealthCheck)

	// nil lastProcessedAt keeps the previous value
	require.NoError(t, s.UpdateStats(VideoAnalysis, 0, 0, nil, now.Add(time.Minute)))
	d, err = s.Get(VideoAnalysis)
	require.NoError(t, err)
	require.NotNil(t, d.LastProcessedAt)

	err = s.UpdateHealth(VideoAnalysis, "sideways", now)
	require.Error(t, err)
}

func TestTypeRegistry(t *testing.T) {
	reg, err := NewTypeRegistry([]config.JobTypeConfig{
		{
			Queue:          VideoScraping,
			Type:           "scrape_profile",
			URL:            "http://scraper:9000/jobs",
			RequiredFields: []string{"profile_id"},
		},
		{
			Queue:  Notifications,
			Type:   "send_email",
			URL:    "http://notify:9001/send",
			Method: "PUT",
		},
	})
	require.NoError(t, err)

	spec, err := reg.Lookup(VideoScraping, "scrape_profile")
	require.NoError(t, err)
	assert.Equal(t, "POST", spec.Method)
	assert.Equal(t, "http://scraper:9000/jobs", spec.URL)

	spec, err = reg.Lookup(Notifications, "send_email")
	require.NoError(t, err)
	assert.Equal(t, "PUT", spec.Method)

	_, err = reg.Lookup(VideoScraping, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidJobType))

	types := reg.TypesFor(VideoScraping)
	assert.Equal(t, []string{"scrape_profile"}, types)
}

func TestTypeRegistryRejectsBadEntries(t *testing.T) {
	_, err := NewTypeRegistry([]config.JobTypeConfig{
		{Queue: "bogus", Type: "x", URL: "http://x"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidQueue))

	_, err = NewTypeRegistry([]config.JobTypeConfig{
		{Queue: Cleanup, Type: "purge", URL: "http://x"},
		{Queue: Cleanup, Type: "purge", URL: "http://y"},
	})
	require.Error(t, err)
}

func TestValidatePayload(t *testing.T) {
	reg, err := NewTypeRegistry([]config.JobTypeConfig{
		{
			Queue:          InstagramDetection,
			Type:           "detect",
			URL:            "http://detect:9002/run",
			RequiredFields: []string{"business_id", "candidates"},
		},
		{Queue: Cleanup, Type: "purge", URL: "http://x"},
	})
	require.NoError(t, err)

	detect, err := reg.Lookup(InstagramDetection, "detect")
	require.NoError(t, err)

	err = reg.ValidatePayload(detect, json.RawMessage(`{"business_id":"b1","candidates":[]}`))
	require.NoError(t, err)

	err = reg.ValidatePayload(detect, json.RawMessage(`{"business_id":"b1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = reg.ValidatePayload(detect, json.RawMessage(`[1,2,3]`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	purge, err := reg.Lookup(Cleanup, "purge")
	require.NoError(t, err)
	require.NoError(t, reg.ValidatePayload(purge, nil))
	require.NoError(t, reg.ValidatePayload(purge, json.RawMessage(`{"extra":true}`)))
}
