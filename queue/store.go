package queue

import (
	"database/sql"
	"time"

	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/errors"
)

// Store persists queue descriptors.
type Store struct {
	db *sql.DB
}

// NewStore creates a queue descriptor store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const descriptorColumns = `
	name, description, is_active, concurrency, retry_attempts, retry_delay_ms,
	retain_completed, retain_failed, processing_rate_per_min,
	avg_processing_time_ms, last_processed_at, health_status,
	last_health_check, created_at, updated_at
`

// Ensure creates the descriptor for a queue if it does not exist yet,
// seeding it from configuration. Existing descriptors are left untouched
// so runtime config updates survive restarts.
func (s *Store) Ensure(name string, qc config.QueueConfig, now time.Time) (*Descriptor, error) {
	if !IsValid(name) {
		return nil, errors.Mark(errors.Newf("unknown queue: %s", name), errors.ErrInvalidQueue)
	}

	existing, err := s.Get(name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	d := &Descriptor{
		Name:            name,
		Description:     qc.Description,
		IsActive:        true,
		Concurrency:     qc.Concurrency,
		RetryAttempts:   qc.RetryAttempts,
		RetryDelayMS:    int64(qc.RetryDelayMS),
		RetainCompleted: qc.RetainCompleted,
		RetainFailed:    qc.RetainFailed,
		HealthStatus:    HealthHealthy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	query := `
		INSERT INTO queues (` + descriptorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		d.Name, d.Description, d.IsActive, d.Concurrency, d.RetryAttempts, d.RetryDelayMS,
		d.RetainCompleted, d.RetainFailed, d.ProcessingRatePerMin,
		d.AvgProcessingTimeMS, timeToNull(d.LastProcessedAt), d.HealthStatus,
		timeToNull(d.LastHealthCheck), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, storeErr(err, "failed to create queue descriptor")
	}
	return d, nil
}

// Get retrieves one queue descriptor.
func (s *Store) Get(name string) (*Descriptor, error) {
	query := `SELECT ` + descriptorColumns + ` FROM queues WHERE name = ?`

	d, err := scanDescriptor(s.db.QueryRow(query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("queue not found: %s", name), errors.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr(err, "failed to get queue descriptor")
	}
	return d, nil
}

// List returns all queue descriptors ordered by name.
func (s *Store) List() ([]*Descriptor, error) {
	query := `SELECT ` + descriptorColumns + ` FROM queues ORDER BY name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, storeErr(err, "failed to list queue descriptors")
	}
	defer rows.Close()

	var out []*Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan queue descriptor")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating queue descriptors")
	}
	return out, nil
}

// SetActive pauses or resumes a queue.
func (s *Store) SetActive(name string, active bool, now time.Time) error {
	return s.exec(name,
		`UPDATE queues SET is_active = ?, updated_at = ? WHERE name = ?`,
		active, now, name)
}

// UpdateConfig patches the runtime-adjustable settings of a queue.
func (s *Store) UpdateConfig(name string, concurrency, retryAttempts int, retryDelayMS int64, retainCompleted, retainFailed int, now time.Time) error {
	if concurrency < 0 || retryAttempts < 0 || retryDelayMS < 0 || retainCompleted < 0 || retainFailed < 0 {
		return errors.Mark(errors.New("queue settings cannot be negative"), errors.ErrInvalidConfig)
	}
	return s.exec(name, `
		UPDATE queues
		SET concurrency = ?, retry_attempts = ?, retry_delay_ms = ?,
		    retain_completed = ?, retain_failed = ?, updated_at = ?
		WHERE name = ?`,
		concurrency, retryAttempts, retryDelayMS, retainCompleted, retainFailed, now, name)
}

// UpdateStats writes the rolling throughput numbers computed by the
// scheduler's metrics refresh.
func (s *Store) UpdateStats(name string, ratePerMin, avgMS float64, lastProcessedAt *time.Time, now time.Time) error {
	return s.exec(name, `
		UPDATE queues
		SET processing_rate_per_min = ?, avg_processing_time_ms = ?,
		    last_processed_at = COALESCE(?, last_processed_at), updated_at = ?
		WHERE name = ?`,
		ratePerMin, avgMS, timeToNull(lastProcessedAt), now, name)
}

// UpdateHealth records the health classification for a queue.
func (s *Store) UpdateHealth(name, status string, now time.Time) error {
	switch status {
	case HealthHealthy, HealthWarning, HealthError:
	default:
		return errors.Newf("unknown health status: %s", status)
	}
	return s.exec(name, `
		UPDATE queues SET health_status = ?, last_health_check = ?, updated_at = ?
		WHERE name = ?`,
		status, now, now, name)
}

func (s *Store) exec(name, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return storeErr(err, "failed to update queue descriptor")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("queue not found: %s", name), errors.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDescriptor(row rowScanner) (*Descriptor, error) {
	var d Descriptor
	var lastProcessed, lastHealth sql.NullTime

	err := row.Scan(
		&d.Name, &d.Description, &d.IsActive, &d.Concurrency, &d.RetryAttempts,
		&d.RetryDelayMS, &d.RetainCompleted, &d.RetainFailed,
		&d.ProcessingRatePerMin, &d.AvgProcessingTimeMS, &lastProcessed,
		&d.HealthStatus, &lastHealth, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastProcessed.Valid {
		t := lastProcessed.Time
		d.LastProcessedAt = &t
	}
	if lastHealth.Valid {
		t := lastHealth.Time
		d.LastHealthCheck = &t
	}
	return &d, nil
}

func timeToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func storeErr(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errors.ErrStoreUnavailable)
}
