package queue

import (
	"encoding/json"
	"time"

	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/errors"
)

// TypeSpec binds one (queue, type) pair to its downstream worker endpoint.
type TypeSpec struct {
	Queue          string
	Type           string
	URL            string
	Method         string
	Timeout        time.Duration
	Headers        map[string]string
	RequiredFields []string
}

// TypeRegistry holds every registered job type, keyed by queue and type.
// The registry is built once at startup and read-only afterwards.
type TypeRegistry struct {
	specs map[string]TypeSpec
}

func typeKey(queue, jobType string) string {
	return queue + "/" + jobType
}

// NewTypeRegistry builds the registry from configuration. Entries naming an
// unknown queue or duplicating a pair are rejected.
func NewTypeRegistry(cfgs []config.JobTypeConfig) (*TypeRegistry, error) {
	r := &TypeRegistry{specs: make(map[string]TypeSpec, len(cfgs))}
	for _, c := range cfgs {
		if !IsValid(c.Queue) {
			return nil, errors.Mark(errors.Newf("job type %s registered on unknown queue %s", c.Type, c.Queue), errors.ErrInvalidQueue)
		}
		key := typeKey(c.Queue, c.Type)
		if _, dup := r.specs[key]; dup {
			return nil, errors.Newf("job type registered twice: %s", key)
		}

		method := c.Method
		if method == "" {
			method = "POST"
		}
		r.specs[key] = TypeSpec{
			Queue:          c.Queue,
			Type:           c.Type,
			URL:            c.URL,
			Method:         method,
			Timeout:        time.Duration(c.TimeoutSeconds) * time.Second,
			Headers:        c.Headers,
			RequiredFields: c.RequiredFields,
		}
	}
	return r, nil
}

// Lookup returns the spec for a (queue, type) pair.
func (r *TypeRegistry) Lookup(queueName, jobType string) (TypeSpec, error) {
	spec, ok := r.specs[typeKey(queueName, jobType)]
	if !ok {
		return TypeSpec{}, errors.Mark(
			errors.Newf("no job type %q registered on queue %q", jobType, queueName),
			errors.ErrInvalidJobType)
	}
	return spec, nil
}

// TypesFor lists the job types registered on one queue.
func (r *TypeRegistry) TypesFor(queueName string) []string {
	var out []string
	for _, spec := range r.specs {
		if spec.Queue == queueName {
			out = append(out, spec.Type)
		}
	}
	return out
}

// ValidatePayload checks that the payload is a JSON object carrying every
// required top-level field for the type. An empty payload passes when the
// type requires nothing.
func (r *TypeRegistry) ValidatePayload(spec TypeSpec, payload json.RawMessage) error {
	if len(spec.RequiredFields) == 0 && len(payload) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return errors.Mark(errors.Wrap(err, "payload must be a JSON object"), errors.ErrValidation)
		}
	}

	for _, f := range spec.RequiredFields {
		if _, ok := fields[f]; !ok {
			return errors.Mark(
				errors.Newf("payload missing required field %q for type %s", f, spec.Type),
				errors.ErrValidation)
		}
	}
	return nil
}
