package scheduler

import (
	"database/sql"
	"encoding/json"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/albinvar/anatome.ai/errors"
)

// Store persists cron entries.
type Store struct {
	db *sql.DB
}

// NewStore creates a cron entry store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `
	name, queue, type, payload, expression, state,
	next_fire_at, last_fired_at, last_job_id, created_at, updated_at
`

// Create inserts a new entry. Fails with ErrDuplicate if the name exists.
func (s *Store) Create(e *Entry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO cron_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.Queue, e.Type, payload, e.Expression, e.State,
		timeToNull(e.NextFireAt), timeToNull(e.LastFiredAt), e.LastJobID,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.Mark(errors.Newf("cron entry already exists: %s", e.Name), errors.ErrDuplicate)
		}
		return storeErr(err, "failed to create cron entry")
	}
	return nil
}

// Get retrieves one entry by name.
func (s *Store) Get(name string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM cron_entries WHERE name = ?`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("cron entry not found: %s", name), errors.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr(err, "failed to get cron entry")
	}
	return e, nil
}

// List returns every entry ordered by name.
func (s *Store) List() ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT ` + entryColumns + ` FROM cron_entries ORDER BY name`)
	if err != nil {
		return nil, storeErr(err, "failed to list cron entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Due returns active entries whose next fire time has passed, oldest first.
func (s *Store) Due(now time.Time) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT `+entryColumns+` FROM cron_entries
		WHERE state = ? AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at`,
		EntryActive, now)
	if err != nil {
		return nil, storeErr(err, "failed to query due cron entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkFired records a fire and schedules the next one.
func (s *Store) MarkFired(name, jobID string, nextFire time.Time, now time.Time) error {
	return s.exec(name, `
		UPDATE cron_entries
		SET last_fired_at = ?, last_job_id = ?, next_fire_at = ?, updated_at = ?
		WHERE name = ?`,
		now, jobID, nextFire, now, name)
}

// SetState activates or stops an entry. Stopping clears the pending fire.
func (s *Store) SetState(name, state string, now time.Time) error {
	if state == EntryStopped {
		return s.exec(name, `
			UPDATE cron_entries
			SET state = ?, next_fire_at = NULL, updated_at = ?
			WHERE name = ?`,
			state, now, name)
	}
	return s.exec(name, `
		UPDATE cron_entries SET state = ?, updated_at = ? WHERE name = ?`,
		state, now, name)
}

// Reschedule writes a fresh next fire time without recording a fire.
func (s *Store) Reschedule(name string, nextFire time.Time, now time.Time) error {
	return s.exec(name, `
		UPDATE cron_entries SET next_fire_at = ?, updated_at = ? WHERE name = ?`,
		nextFire, now, name)
}

// Delete removes an entry.
func (s *Store) Delete(name string) error {
	return s.exec(name, `DELETE FROM cron_entries WHERE name = ?`, name)
}

func (s *Store) exec(name, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return storeErr(err, "failed to update cron entry")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("cron entry not found: %s", name), errors.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var payload sql.NullString
	var nextFire, lastFired sql.NullTime

	err := row.Scan(
		&e.Name, &e.Queue, &e.Type, &payload, &e.Expression, &e.State,
		&nextFire, &lastFired, &e.LastJobID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	if nextFire.Valid {
		t := nextFire.Time
		e.NextFireAt = &t
	}
	if lastFired.Valid {
		t := lastFired.Time
		e.LastFiredAt = &t
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan cron entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating cron entries")
	}
	return out, nil
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
