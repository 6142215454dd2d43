package broker

import (
	"database/sql"
	"sort"
	"time"

	"github.com/albinvar/anatome.ai/errors"
)

// Durable mirror of the in-memory sets. Every mutation runs while the
// owning queue's mutex is held, so writes for one queue are ordered.

func (b *Broker) persistInsert(queueName string, e *entry, set string) error {
	var delayUntil sql.NullTime
	if set == SetDelayed {
		delayUntil = sql.NullTime{Time: e.delayUntil, Valid: true}
	}
	_, err := b.db.Exec(`
		INSERT INTO broker_entries (job_id, queue, set_name, priority, enqueued_at, delay_until)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.jobID, queueName, set, e.priority, e.enqueuedAt, delayUntil)
	if err != nil {
		return brokerErr(err, "failed to persist enqueue")
	}
	return nil
}

func (b *Broker) persistReserve(e *entry) error {
	_, err := b.db.Exec(`
		UPDATE broker_entries
		SET set_name = ?, token = ?, lease_expires_at = ?, delay_until = NULL
		WHERE job_id = ?`,
		SetInFlight, e.token, e.leaseExpires, e.jobID)
	if err != nil {
		return brokerErr(err, "failed to persist reservation")
	}
	return nil
}

func (b *Broker) persistRequeue(e *entry) error {
	_, err := b.db.Exec(`
		UPDATE broker_entries
		SET set_name = ?, token = NULL, lease_expires_at = NULL, delay_until = ?
		WHERE job_id = ?`,
		SetDelayed, e.delayUntil, e.jobID)
	if err != nil {
		return brokerErr(err, "failed to persist requeue")
	}
	return nil
}

func (b *Broker) persistPromote(jobID string) error {
	_, err := b.db.Exec(`
		UPDATE broker_entries
		SET set_name = ?, delay_until = NULL
		WHERE job_id = ?`,
		SetReady, jobID)
	if err != nil {
		return brokerErr(err, "failed to persist promotion")
	}
	return nil
}

func (b *Broker) persistDelete(jobID string) error {
	_, err := b.db.Exec(`DELETE FROM broker_entries WHERE job_id = ?`, jobID)
	if err != nil {
		return brokerErr(err, "failed to persist removal")
	}
	return nil
}

// reload rebuilds the in-memory sets from broker_entries. In-flight rows
// keep their token but get an already-elapsed lease so the next stall
// sweep reaps them.
func (b *Broker) reload() error {
	rows, err := b.db.Query(`
		SELECT job_id, queue, set_name, priority, enqueued_at, delay_until, token
		FROM broker_entries
		ORDER BY enqueued_at`)
	if err != nil {
		return brokerErr(err, "failed to load broker entries")
	}
	defer rows.Close()

	now := time.Now().UTC()
	loaded := 0
	for rows.Next() {
		var jobID, queueName, set string
		var priority int
		var enqueuedAt time.Time
		var delayUntil sql.NullTime
		var token sql.NullString
		if err := rows.Scan(&jobID, &queueName, &set, &priority, &enqueuedAt, &delayUntil, &token); err != nil {
			return brokerErr(err, "failed to scan broker entry")
		}

		q, ok := b.queues[queueName]
		if !ok {
			b.logger.Warnw("dropping broker entry for unregistered queue",
				"queue", queueName, "job_id", jobID)
			continue
		}

		e := &entry{
			jobID:      jobID,
			priority:   priority,
			enqueuedAt: enqueuedAt,
			seq:        q.nextSeq(),
		}
		switch set {
		case SetReady:
			q.insertReady(e)
		case SetDelayed:
			if delayUntil.Valid {
				e.delayUntil = delayUntil.Time
			}
			q.insertDelayed(e)
		case SetInFlight:
			e.token = token.String
			e.leaseExpires = now.Add(-time.Second)
			q.flight[jobID] = e
		}
		q.index[jobID] = set
		loaded++
	}
	if err := rows.Err(); err != nil {
		return brokerErr(err, "error iterating broker entries")
	}

	// rebuild per-priority FIFO inside ready using the load sequence
	for _, q := range b.queues {
		sort.SliceStable(q.ready, func(i, j int) bool {
			a, c := q.ready[i], q.ready[j]
			if a.priority != c.priority {
				return a.priority > c.priority
			}
			if !a.enqueuedAt.Equal(c.enqueuedAt) {
				return a.enqueuedAt.Before(c.enqueuedAt)
			}
			return a.seq < c.seq
		})
	}

	if loaded > 0 {
		b.logger.Infow("reloaded broker state", "entries", loaded)
	}
	return nil
}

func brokerErr(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errors.ErrBrokerUnavailable)
}
