// Package broker holds per-queue eligible work: a priority-ordered ready
// set, a delayed set ordered by due time, and an in-flight map guarded by
// reservation tokens with lease expiry.
//
// All placement decisions run against in-memory state under a per-queue
// mutex; every mutation is mirrored to the broker_entries table so enqueue,
// reserve, ack, nack and promote survive restart. A restart conservatively
// treats every persisted in-flight entry as lease-expired, which hands it
// to the stall sweep.
package broker

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/queue"
)

// Set names as persisted in broker_entries.
const (
	SetReady    = "ready"
	SetDelayed  = "delayed"
	SetInFlight = "in_flight"
)

// Sizes reports one queue's live set sizes.
type Sizes struct {
	Waiting int `json:"waiting"`
	Active  int `json:"active"`
	Delayed int `json:"delayed"`
}

type entry struct {
	jobID      string
	priority   int
	enqueuedAt time.Time
	seq        uint64

	// delayed only
	delayUntil time.Time

	// in_flight only
	token        string
	leaseExpires time.Time
}

// Broker coordinates eligible work across the fixed queue set.
type Broker struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	queues map[string]*queueState
}

// queueState is one queue's sets. Operations on distinct queues never
// contend; everything within a queue is serialized on mu.
type queueState struct {
	mu      sync.Mutex
	paused  bool
	seq     uint64
	ready   []*entry          // priority desc, then enqueuedAt/seq asc
	delayed []*entry          // delayUntil asc
	flight  map[string]*entry // jobID -> entry
	index   map[string]string // jobID -> set name, for idempotence
}

// New creates a broker for the fixed queue registry and reloads durable
// placement from the database.
func New(db *sql.DB, logger *zap.SugaredLogger) (*Broker, error) {
	b := &Broker{
		db:     db,
		logger: logger.Named("broker"),
		queues: make(map[string]*queueState, len(queue.Names)),
	}
	for _, name := range queue.Names {
		b.queues[name] = &queueState{
			flight: make(map[string]*entry),
			index:  make(map[string]string),
		}
	}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewToken mints a reservation token.
func NewToken() string {
	return "tk_" + uuid.NewString()
}

func (b *Broker) state(name string) (*queueState, error) {
	q, ok := b.queues[name]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown queue: %s", name), errors.ErrInvalidQueue)
	}
	return q, nil
}

// Enqueue places a job into ready or delayed. Re-enqueueing an id already
// present in any set is a no-op.
func (b *Broker) Enqueue(queueName, jobID string, priority int, delayUntil *time.Time, now time.Time) error {
	q, err := b.state(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, present := q.index[jobID]; present {
		return nil
	}

	e := &entry{
		jobID:      jobID,
		priority:   priority,
		enqueuedAt: now,
		seq:        q.nextSeq(),
	}

	set := SetReady
	if delayUntil != nil && delayUntil.After(now) {
		set = SetDelayed
		e.delayUntil = *delayUntil
	}

	if err := b.persistInsert(queueName, e, set); err != nil {
		return err
	}

	if set == SetDelayed {
		q.insertDelayed(e)
	} else {
		q.insertReady(e)
	}
	q.index[jobID] = set
	return nil
}

// Reserve pops the highest-priority, oldest ready job and moves it in
// flight under a fresh token. Returns ("", "", nil) when the queue is
// paused or has nothing ready.
func (b *Broker) Reserve(queueName string, lease time.Duration, now time.Time) (jobID, token string, err error) {
	q, err := b.state(queueName)
	if err != nil {
		return "", "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.ready) == 0 {
		return "", "", nil
	}

	e := q.ready[0]
	e.token = NewToken()
	e.leaseExpires = now.Add(lease)

	if err := b.persistReserve(e); err != nil {
		e.token = ""
		e.leaseExpires = time.Time{}
		return "", "", err
	}

	q.ready = q.ready[1:]
	q.flight[e.jobID] = e
	q.index[e.jobID] = SetInFlight
	return e.jobID, e.token, nil
}

// Ack removes an in-flight job after successful handling.
func (b *Broker) Ack(queueName, jobID, token string) error {
	q, err := b.state(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkToken(jobID, token); err != nil {
		return err
	}
	if err := b.persistDelete(jobID); err != nil {
		return err
	}
	delete(q.flight, jobID)
	delete(q.index, jobID)
	return nil
}

// Nack removes an in-flight job after failed handling. With requeueAfter
// set the job re-enters the delayed set; without it the broker forgets the
// job and the caller decides its fate in the store.
func (b *Broker) Nack(queueName, jobID, token string, requeueAfter *time.Duration, now time.Time) error {
	q, err := b.state(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkToken(jobID, token); err != nil {
		return err
	}

	e := q.flight[jobID]
	if requeueAfter == nil {
		if err := b.persistDelete(jobID); err != nil {
			return err
		}
		delete(q.flight, jobID)
		delete(q.index, jobID)
		return nil
	}

	e.token = ""
	e.leaseExpires = time.Time{}
	e.delayUntil = now.Add(*requeueAfter)
	if err := b.persistRequeue(e); err != nil {
		return err
	}
	delete(q.flight, jobID)
	q.insertDelayed(e)
	q.index[jobID] = SetDelayed
	return nil
}

// Remove takes a job out of whichever non-flight set holds it. Returns
// false if the broker does not hold the id. In-flight jobs cannot be
// removed; their lease must run out first.
func (b *Broker) Remove(queueName, jobID string) (bool, error) {
	q, err := b.state(queueName)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	set, present := q.index[jobID]
	if !present {
		return false, nil
	}
	if set == SetInFlight {
		return false, errors.Mark(errors.Newf("job %s is in flight", jobID), errors.ErrRefusedActive)
	}

	if err := b.persistDelete(jobID); err != nil {
		return false, err
	}
	switch set {
	case SetReady:
		q.ready = removeEntry(q.ready, jobID)
	case SetDelayed:
		q.delayed = removeEntry(q.delayed, jobID)
	}
	delete(q.index, jobID)
	return true, nil
}

// PromoteDue moves every delayed entry whose due time has passed into the
// ready set. Returns the number promoted.
func (b *Broker) PromoteDue(queueName string, now time.Time) (int, error) {
	q, err := b.state(queueName)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	for len(q.delayed) > 0 && !q.delayed[0].delayUntil.After(now) {
		e := q.delayed[0]
		if err := b.persistPromote(e.jobID); err != nil {
			return promoted, err
		}
		q.delayed = q.delayed[1:]
		e.delayUntil = time.Time{}
		q.insertReady(e)
		q.index[e.jobID] = SetReady
		promoted++
	}
	return promoted, nil
}

// ReapExpiredLeases returns in-flight ids whose lease elapsed. The entries
// stay in flight; the stall sweep settles each one through Nack using the
// expired token, which remains valid until then.
func (b *Broker) ReapExpiredLeases(queueName string, now time.Time) ([]string, []string, error) {
	q, err := b.state(queueName)
	if err != nil {
		return nil, nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids, tokens []string
	for _, e := range q.flight {
		if e.leaseExpires.Before(now) {
			ids = append(ids, e.jobID)
			tokens = append(tokens, e.token)
		}
	}
	return ids, tokens, nil
}

// Sizes reports the live set sizes for one queue.
func (b *Broker) Sizes(queueName string) (Sizes, error) {
	q, err := b.state(queueName)
	if err != nil {
		return Sizes{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Sizes{
		Waiting: len(q.ready),
		Active:  len(q.flight),
		Delayed: len(q.delayed),
	}, nil
}

// Peek returns up to limit job ids from one set, in dispatch order.
func (b *Broker) Peek(queueName, set string, limit int) ([]string, error) {
	q, err := b.state(queueName)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	var src []*entry
	switch set {
	case SetReady:
		src = q.ready
	case SetDelayed:
		src = q.delayed
	case SetInFlight:
		for _, e := range q.flight {
			src = append(src, e)
		}
		sort.Slice(src, func(i, j int) bool { return src[i].leaseExpires.Before(src[j].leaseExpires) })
	default:
		return nil, errors.Newf("unknown broker set: %s", set)
	}

	out := make([]string, 0, limit)
	for _, e := range src {
		if len(out) == limit {
			break
		}
		out = append(out, e.jobID)
	}
	return out, nil
}

// Placement reports which set currently holds a job id, if any.
func (b *Broker) Placement(queueName, jobID string) (string, bool) {
	q, err := b.state(queueName)
	if err != nil {
		return "", false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.index[jobID]
	return set, ok
}

// SetPaused flips reservation for one queue. In-flight work continues.
func (b *Broker) SetPaused(queueName string, paused bool) error {
	q, err := b.state(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
	return nil
}

// IsPaused reports whether reservation is suspended for one queue.
func (b *Broker) IsPaused(queueName string) bool {
	q, err := b.state(queueName)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *queueState) nextSeq() uint64 {
	q.seq++
	return q.seq
}

func (q *queueState) checkToken(jobID, token string) error {
	e, ok := q.flight[jobID]
	if !ok || token == "" || e.token != token {
		return errors.Mark(errors.Newf("no reservation for job %s with that token", jobID), errors.ErrBadToken)
	}
	return nil
}

// insertReady keeps ready ordered: higher priority first, then older
// enqueue time, then insertion sequence.
func (q *queueState) insertReady(e *entry) {
	i := sort.Search(len(q.ready), func(i int) bool {
		r := q.ready[i]
		if r.priority != e.priority {
			return r.priority < e.priority
		}
		if !r.enqueuedAt.Equal(e.enqueuedAt) {
			return r.enqueuedAt.After(e.enqueuedAt)
		}
		return r.seq > e.seq
	})
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = e
}

// insertDelayed keeps delayed ordered by due time ascending.
func (q *queueState) insertDelayed(e *entry) {
	i := sort.Search(len(q.delayed), func(i int) bool {
		return q.delayed[i].delayUntil.After(e.delayUntil)
	})
	q.delayed = append(q.delayed, nil)
	copy(q.delayed[i+1:], q.delayed[i:])
	q.delayed[i] = e
}

func removeEntry(entries []*entry, jobID string) []*entry {
	for i, e := range entries {
		if e.jobID == jobID {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
