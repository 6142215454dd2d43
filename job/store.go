package job

import (
	"database/sql"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/albinvar/anatome.ai/errors"
)

// Store handles persistence of job records.
//
// Guarantees per-id read-your-writes: every mutation is a single statement
// against the backing SQLite database. Queries over many jobs may trail
// in-flight worker updates.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	Owner         string
	Queue         string
	Type          string
	Status        Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page bounds a query. A zero Limit defaults to 50.
type Page struct {
	Limit  int
	Offset int
}

// AggregateRow is one group-by bucket from Aggregate.
type AggregateRow struct {
	Status          Status  `json:"status,omitempty"`
	Queue           string  `json:"queue,omitempty"`
	Type            string  `json:"type,omitempty"`
	Count           int     `json:"count"`
	AvgProcessingMS float64 `json:"avg_processing_time_ms"`
}

// WindowStats summarizes one queue's terminal outcomes inside an
// observation window. Used by the scheduler's metrics refresh.
type WindowStats struct {
	Completed       int
	Failed          int
	AvgProcessingMS float64
	LastCompletedAt *time.Time
}

// Create inserts a new job. Fails with ErrDuplicate if the id exists.
func (s *Store) Create(j *Job) error {
	query := `
		INSERT INTO jobs (
			id, queue, type, payload, owner, status, priority,
			attempts, max_attempts, delay_until, result, error,
			processing_time_ms, retried_as, record_version,
			created_at, started_at, completed_at, failed_at, stalled_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		j.ID, j.Queue, j.Type, rawToNull(j.Payload), j.Owner, j.Status, j.Priority,
		j.Attempts, j.MaxAttempts, timeToNull(j.DelayUntil), rawToNull(j.Result), j.Error,
		j.ProcessingTimeMS, j.RetriedAs, j.RecordVersion,
		j.CreatedAt, timeToNull(j.StartedAt), timeToNull(j.CompletedAt),
		timeToNull(j.FailedAt), timeToNull(j.StalledAt), j.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.Mark(errors.Wrapf(err, "job id already exists: %s", j.ID), errors.ErrDuplicate)
		}
		return storeErr(err, "failed to create job")
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	j, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("job not found: %s", id), errors.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr(err, "failed to get job")
	}
	return j, nil
}

// Update writes the job's mutable fields. The immutable submission fields
// (queue, type, payload, owner, priority, created_at) are never patched.
func (s *Store) Update(j *Job) error {
	query := `
		UPDATE jobs
		SET status = ?,
		    attempts = ?,
		    max_attempts = ?,
		    delay_until = ?,
		    result = ?,
		    error = ?,
		    processing_time_ms = ?,
		    retried_as = ?,
		    started_at = ?,
		    completed_at = ?,
		    failed_at = ?,
		    stalled_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.Exec(query,
		j.Status, j.Attempts, j.MaxAttempts, timeToNull(j.DelayUntil),
		rawToNull(j.Result), j.Error, j.ProcessingTimeMS, j.RetriedAs,
		timeToNull(j.StartedAt), timeToNull(j.CompletedAt),
		timeToNull(j.FailedAt), timeToNull(j.StalledAt), j.UpdatedAt,
		j.ID,
	)
	if err != nil {
		return storeErr(err, "failed to update job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("job not found: %s", j.ID), errors.ErrNotFound)
	}
	return nil
}

// Query returns jobs matching the filter, newest first, plus the total
// match count before paging.
func (s *Store) Query(f Filter, p Page) ([]*Job, int, error) {
	where, args := buildWhere(f)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr(err, "failed to count jobs")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit, p.Offset)...)
	if err != nil {
		return nil, 0, storeErr(err, "failed to query jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Aggregate groups jobs by the requested dimensions (any subset of
// status, queue, type) returning counts and mean processing time.
func (s *Store) Aggregate(dimensions []string) ([]AggregateRow, error) {
	cols := make([]string, 0, len(dimensions))
	for _, d := range dimensions {
		switch d {
		case "status", "queue", "type":
			cols = append(cols, d)
		default:
			return nil, errors.Mark(errors.Newf("unknown aggregate dimension: %s", d), errors.ErrValidation)
		}
	}
	if len(cols) == 0 {
		return nil, errors.Mark(errors.New("aggregate needs at least one dimension"), errors.ErrValidation)
	}

	sel := strings.Join(cols, ", ")
	query := `SELECT ` + sel + `, COUNT(*), COALESCE(AVG(NULLIF(processing_time_ms, 0)), 0)
		FROM jobs GROUP BY ` + sel

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, storeErr(err, "failed to aggregate jobs")
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var row AggregateRow
		targets := make([]interface{}, 0, len(cols)+2)
		for _, c := range cols {
			switch c {
			case "status":
				targets = append(targets, &row.Status)
			case "queue":
				targets = append(targets, &row.Queue)
			case "type":
				targets = append(targets, &row.Type)
			}
		}
		targets = append(targets, &row.Count, &row.AvgProcessingMS)
		if err := rows.Scan(targets...); err != nil {
			return nil, storeErr(err, "failed to scan aggregate row")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating aggregates")
	}
	return out, nil
}

// CountByStatus returns job counts per status for one queue.
func (s *Store) CountByStatus(queue string) (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return nil, storeErr(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storeErr(err, "failed to scan status count")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating status counts")
	}
	return counts, nil
}

// Window returns one queue's terminal outcomes since the given time.
func (s *Store) Window(queue string, since time.Time) (WindowStats, error) {
	var stats WindowStats

	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN processing_time_ms END), 0),
			MAX(CASE WHEN status = 'completed' THEN completed_at END)
		FROM jobs
		WHERE queue = ? AND updated_at >= ?
	`
	var last sql.NullTime
	err := s.db.QueryRow(query, queue, since).Scan(
		&stats.Completed, &stats.Failed, &stats.AvgProcessingMS, &last)
	if err != nil {
		return stats, storeErr(err, "failed to compute window stats")
	}
	if last.Valid {
		stats.LastCompletedAt = &last.Time
	}
	return stats, nil
}

// TypeRollup returns per-type counts and mean processing time for a queue.
func (s *Store) TypeRollup(queue string) ([]AggregateRow, error) {
	query := `
		SELECT type, status, COUNT(*), COALESCE(AVG(NULLIF(processing_time_ms, 0)), 0)
		FROM jobs WHERE queue = ? GROUP BY type, status
	`
	rows, err := s.db.Query(query, queue)
	if err != nil {
		return nil, storeErr(err, "failed to roll up types")
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.Type, &row.Status, &row.Count, &row.AvgProcessingMS); err != nil {
			return nil, storeErr(err, "failed to scan type rollup")
		}
		row.Queue = queue
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating type rollup")
	}
	return out, nil
}

// RecentForQueue returns the newest jobs for a queue regardless of status.
func (s *Store) RecentForQueue(queue string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, queue, limit)
	if err != nil {
		return nil, storeErr(err, "failed to list recent jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

// TrimRetention keeps the N most recent completed and M most recent failed
// jobs for a queue, deleting older terminal records. Returns removed count.
func (s *Store) TrimRetention(queue string, keepCompleted, keepFailed int) (int, error) {
	removed := 0
	for _, tc := range []struct {
		status Status
		keep   int
		order  string
	}{
		{StatusCompleted, keepCompleted, "completed_at"},
		{StatusFailed, keepFailed, "failed_at"},
	} {
		query := `
			DELETE FROM jobs
			WHERE queue = ? AND status = ?
			  AND id NOT IN (
				SELECT id FROM jobs
				WHERE queue = ? AND status = ?
				ORDER BY ` + tc.order + ` DESC
				LIMIT ?
			  )
		`
		res, err := s.db.Exec(query, queue, tc.status, queue, tc.status, tc.keep)
		if err != nil {
			return removed, storeErr(err, "failed to trim retention")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, storeErr(err, "failed to get rows affected")
		}
		removed += int(n)
	}
	return removed, nil
}

// ExpireOlderThan hard-deletes terminal jobs last touched before the cutoff.
// Deletes run in bounded batches to keep the write lock short.
func (s *Store) ExpireOlderThan(cutoff time.Time) (int, error) {
	const batch = 500
	removed := 0
	for {
		query := `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status IN ('completed', 'failed') AND updated_at < ?
				LIMIT ?
			)
		`
		res, err := s.db.Exec(query, cutoff, batch)
		if err != nil {
			return removed, storeErr(err, "failed to expire old jobs")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, storeErr(err, "failed to get rows affected")
		}
		removed += int(n)
		if n < batch {
			return removed, nil
		}
	}
}

// Delete removes a job record outright. Used to roll back a submission
// whose broker enqueue failed, and by queue cleaning.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr(err, "failed to delete job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("job not found: %s", id), errors.ErrNotFound)
	}
	return nil
}

// Clean deletes one queue's terminal jobs last touched before the cutoff,
// optionally restricted to a single terminal status.
func (s *Store) Clean(queue string, cutoff time.Time, status Status) (int, error) {
	query := `DELETE FROM jobs WHERE queue = ? AND updated_at < ?`
	args := []interface{}{queue, cutoff}
	if status != "" {
		if !status.Terminal() {
			return 0, errors.Mark(errors.Newf("clean only covers terminal statuses, got %s", status), errors.ErrValidation)
		}
		query += ` AND status = ?`
		args = append(args, status)
	} else {
		query += ` AND status IN ('completed', 'failed')`
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, storeErr(err, "failed to clean jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err, "failed to get rows affected")
	}
	return int(n), nil
}

// Bucket is one hour of terminal outcomes.
type Bucket struct {
	Hour      time.Time `json:"hour"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// HourlyBuckets groups terminal outcomes by hour since the given time,
// optionally restricted to one queue.
func (s *Store) HourlyBuckets(queue string, since time.Time) ([]Bucket, error) {
	query := `
		SELECT strftime('%Y-%m-%dT%H:00:00Z', updated_at),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM jobs
		WHERE status IN ('completed', 'failed') AND updated_at >= ?
	`
	args := []interface{}{since}
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}
	query += ` GROUP BY 1 ORDER BY 1`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErr(err, "failed to bucket jobs")
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var hour string
		var b Bucket
		if err := rows.Scan(&hour, &b.Completed, &b.Failed); err != nil {
			return nil, storeErr(err, "failed to scan bucket")
		}
		t, err := time.Parse(time.RFC3339, hour)
		if err != nil {
			return nil, storeErr(err, "failed to parse bucket hour")
		}
		b.Hour = t
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating buckets")
	}
	return out, nil
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return storeErr(err, "store ping failed")
	}
	return nil
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Queue != "" {
		clauses = append(clauses, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, *f.CreatedBefore)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// storeErr wraps a backing-store failure and tags it as infrastructure so
// callers can treat it as STORE_UNAVAILABLE.
func storeErr(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errors.ErrStoreUnavailable)
}
