package job

import (
	"database/sql"
	"encoding/json"
	"time"
)

// jobColumns is the canonical select list shared by every job query.
const jobColumns = `
	id, queue, type, payload, owner, status, priority,
	attempts, max_attempts, delay_until, result, error,
	processing_time_ms, retried_as, record_version,
	created_at, started_at, completed_at, failed_at, stalled_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var payload, result sql.NullString
	var delayUntil, startedAt, completedAt, failedAt, stalledAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &payload, &j.Owner, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &delayUntil, &result, &j.Error,
		&j.ProcessingTimeMS, &j.RetriedAs, &j.RecordVersion,
		&j.CreatedAt, &startedAt, &completedAt, &failedAt, &stalledAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	j.DelayUntil = nullToTime(delayUntil)
	j.StartedAt = nullToTime(startedAt)
	j.CompletedAt = nullToTime(completedAt)
	j.FailedAt = nullToTime(failedAt)
	j.StalledAt = nullToTime(stalledAt)

	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating jobs")
	}
	return jobs, nil
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func timeToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullToTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
