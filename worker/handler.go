// Package worker runs per-queue pools that reserve jobs from the broker,
// invoke the registered handler for the job's type, and settle the outcome
// against the store and broker.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/job"
)

// Handler executes one job type. Implementations must be idempotent:
// delivery is at least once, never exactly once. The context carries the
// reservation lease as its deadline; handlers must return promptly once it
// is cancelled.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	return f(ctx, j)
}

// errFatal marks handler errors that must skip remaining attempts.
var errFatal = errors.New("fatal job error")

// Fatal wraps a handler error so the pool fails the job immediately
// instead of retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errFatal)
}

// Fatalf creates a fatal handler error.
func Fatalf(format string, args ...interface{}) error {
	return Fatal(errors.Newf(format, args...))
}

// IsFatal reports whether a handler error forbids retries.
func IsFatal(err error) bool {
	return err != nil && errors.Is(err, errFatal)
}

// Registry maps (queue, type) pairs to handlers. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func registryKey(queueName, jobType string) string {
	return queueName + "/" + jobType
}

// Register adds a handler for a (queue, type) pair.
// Panics if the pair already has a handler.
func (r *Registry) Register(queueName, jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(queueName, jobType)
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler already registered for %s", key))
	}
	r.handlers[key] = h
}

// Get retrieves the handler for a (queue, type) pair, or nil.
func (r *Registry) Get(queueName, jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[registryKey(queueName, jobType)]
}

// Has reports whether a handler is registered for the pair.
func (r *Registry) Has(queueName, jobType string) bool {
	return r.Get(queueName, jobType) != nil
}
