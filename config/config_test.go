package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, DefaultMaxPayloadBytes, cfg.Limits.MaxPayloadBytes)
	assert.Equal(t, int64(DefaultMaxDelayMS), cfg.Limits.MaxDelayMS)
	assert.Equal(t, time.Second, cfg.Scheduler.PromoteInterval())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.BackoffCeiling())
	assert.NotEmpty(t, cfg.Server.AllowedOrigins)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.toml")
	content := `
[database]
path = "/tmp/jobs.db"

[server]
port = 9090
admin_token = "sekret"

[scheduler]
timezone = "America/New_York"
stall_sweep_seconds = 10

[queues.notifications]
concurrency = 8
rate_per_sec = 2.5

[[job_types]]
queue = "notifications"
type = "send-notification"
url = "http://worker.local/notify"
required_fields = ["user"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/jobs.db", cfg.Database.Path)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sekret", cfg.Server.AdminToken)
	assert.Equal(t, "America/New_York", cfg.Scheduler.Timezone)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.StallSweepInterval())
	assert.Equal(t, "America/New_York", cfg.Location().String())

	require.Len(t, cfg.JobTypes, 1)
	assert.Equal(t, "send-notification", cfg.JobTypes[0].Type)
	assert.Equal(t, []string{"user"}, cfg.JobTypes[0].RequiredFields)

	qc := cfg.QueueOrDefault("notifications")
	assert.Equal(t, 8, qc.Concurrency)
	assert.Equal(t, 2.5, qc.RatePerSec)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ANATOME_SERVER_PORT", "7070")
	t.Setenv("ANATOME_SCHEDULER_TIMEZONE", "Europe/Berlin")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestQueueOrDefaultFillsUnset(t *testing.T) {
	cfg := Config{Queues: map[string]QueueConfig{
		"video-scraping": {Concurrency: 1},
	}}

	qc := cfg.QueueOrDefault("video-scraping")
	assert.Equal(t, 1, qc.Concurrency)
	assert.Equal(t, 3, qc.RetryAttempts)
	assert.Equal(t, 5000, qc.RetryDelayMS)
	assert.Equal(t, 2*time.Minute, qc.Lease())

	unlisted := cfg.QueueOrDefault("analysis")
	assert.Equal(t, DefaultQueueConfig(), unlisted)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Server.Port = 0
	assert.ErrorContains(t, cfg.Validate(), "server.port")

	cfg = valid()
	cfg.Scheduler.Timezone = "Mars/Olympus"
	assert.ErrorContains(t, cfg.Validate(), "timezone")

	cfg = valid()
	cfg.Scheduler.BackoffCeilingMS = 0
	assert.ErrorContains(t, cfg.Validate(), "backoff_ceiling_ms")

	cfg = valid()
	cfg.Limits.MaxPayloadBytes = 0
	assert.ErrorContains(t, cfg.Validate(), "max_payload_bytes")

	cfg = valid()
	cfg.Queues = map[string]QueueConfig{"analysis": {Concurrency: -1}}
	assert.ErrorContains(t, cfg.Validate(), "concurrency")

	cfg = valid()
	cfg.JobTypes = []JobTypeConfig{{Queue: "analysis", Type: "summarize"}}
	assert.ErrorContains(t, cfg.Validate(), "missing handler url")

	cfg = valid()
	cfg.JobTypes = []JobTypeConfig{{Queue: "analysis", Type: "summarize", URL: "::bad::"}}
	assert.ErrorContains(t, cfg.Validate(), "invalid url")
}
