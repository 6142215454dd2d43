package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/queue"
)

// Headers stamped on every dispatch. Downstream services deduplicate on
// the job id because delivery is at least once.
const (
	HeaderJobID    = "X-Anatome-Job-ID"
	HeaderJobQueue = "X-Anatome-Job-Queue"
	HeaderJobType  = "X-Anatome-Job-Type"
	HeaderJobOwner = "X-Anatome-Job-Owner"
	HeaderAttempt  = "X-Anatome-Attempt"
)

// maxResultBytes caps how much of a downstream response body is stored as
// the job result.
const maxResultBytes = 1 << 20

// HTTPHandler dispatches a job to its registered downstream endpoint.
// A 2xx response completes the job with the body as result. A 4xx response
// is the service rejecting the work, which is fatal. 5xx and transport
// errors are retriable.
type HTTPHandler struct {
	spec   queue.TypeSpec
	client *http.Client
}

// NewHTTPHandler builds the handler for one registered job type.
func NewHTTPHandler(spec queue.TypeSpec, client *http.Client) *HTTPHandler {
	return &HTTPHandler{spec: spec, client: client}
}

// Handle implements Handler.
func (h *HTTPHandler) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	if h.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.spec.Timeout)
		defer cancel()
	}

	body := j.Payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, h.spec.Method, h.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(errors.Wrap(err, "failed to build dispatch request"))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderJobID, j.ID)
	req.Header.Set(HeaderJobQueue, j.Queue)
	req.Header.Set(HeaderJobType, j.Type)
	if j.Owner != "" {
		req.Header.Set(HeaderJobOwner, j.Owner)
	}
	req.Header.Set(HeaderAttempt, strconv.Itoa(j.Attempts))
	for k, v := range h.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// transport failure or lease/timeout cancellation, retriable
		return nil, errors.Wrapf(err, "dispatch to %s failed", h.spec.URL)
	}
	defer resp.Body.Close()

	result, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read handler response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(result) == 0 || !json.Valid(result) {
			return nil, nil
		}
		return json.RawMessage(result), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, Fatalf("handler rejected job: status %d: %s", resp.StatusCode, truncate(result, 256))
	default:
		return nil, errors.Newf("handler returned status %d: %s", resp.StatusCode, truncate(result, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
