package config

import (
	"net/url"
	"time"

	"github.com/albinvar/anatome.ai/errors"
)

// Validate checks the configuration for values that would make the service
// unusable. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port out of range: %d", c.Server.Port)
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return errors.Wrapf(err, "scheduler.timezone %q is not a valid IANA name", c.Scheduler.Timezone)
	}

	if c.Scheduler.PromoteIntervalSeconds <= 0 {
		return errors.New("scheduler.promote_interval_seconds must be positive")
	}
	if c.Scheduler.StallSweepSeconds <= 0 {
		return errors.New("scheduler.stall_sweep_seconds must be positive")
	}
	if c.Scheduler.BackoffCeilingMS <= 0 {
		return errors.New("scheduler.backoff_ceiling_ms must be positive")
	}

	if c.Limits.MaxPayloadBytes <= 0 {
		return errors.New("limits.max_payload_bytes must be positive")
	}
	if c.Limits.MaxDelayMS <= 0 {
		return errors.New("limits.max_delay_ms must be positive")
	}

	for name, qc := range c.Queues {
		if qc.Concurrency < 0 {
			return errors.Newf("queues.%s.concurrency cannot be negative", name)
		}
		if qc.RatePerSec < 0 {
			return errors.Newf("queues.%s.rate_per_sec cannot be negative", name)
		}
	}

	for _, jt := range c.JobTypes {
		if jt.Queue == "" || jt.Type == "" {
			return errors.New("job_types entries need both queue and type")
		}
		if jt.URL == "" {
			return errors.Newf("job_types %s/%s missing handler url", jt.Queue, jt.Type)
		}
		if _, err := url.ParseRequestURI(jt.URL); err != nil {
			return errors.Wrapf(err, "job_types %s/%s has invalid url", jt.Queue, jt.Type)
		}
	}

	return nil
}

// Location returns the scheduler timezone as a *time.Location.
// Validate guarantees this cannot fail after a successful Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
