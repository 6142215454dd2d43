package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeDomainError maps a control-plane error onto an HTTP status and a
// stable machine-readable code, logging server-side failures.
func writeDomainError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("Request failed", "code", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrInvalidQueue):
		return http.StatusBadRequest, "INVALID_QUEUE"
	case errors.Is(err, errors.ErrInvalidJobType):
		return http.StatusBadRequest, "INVALID_JOB_TYPE"
	case errors.Is(err, errors.ErrInvalidDelay):
		return http.StatusBadRequest, "INVALID_DELAY"
	case errors.Is(err, errors.ErrInvalidCron):
		return http.StatusBadRequest, "INVALID_CRON"
	case errors.Is(err, errors.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, errors.ErrValidation), errors.Is(err, errors.ErrInvalidConfig):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, errors.ErrAuthRequired):
		return http.StatusUnauthorized, "AUTH_REQUIRED"
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, errors.ErrAdminRequired):
		return http.StatusForbidden, "ADMIN_REQUIRED"
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errors.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, errors.ErrRefusedActive):
		return http.StatusConflict, "REFUSED_ACTIVE"
	case errors.Is(err, errors.ErrNotRetriable):
		return http.StatusConflict, "NOT_RETRIABLE"
	case errors.Is(err, errors.ErrNotTriggerable):
		return http.StatusConflict, "NOT_TRIGGERABLE"
	case errors.Is(err, errors.ErrStoreUnavailable), errors.Is(err, errors.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// pathTail extracts path segments after removing a prefix
func pathTail(urlPath, prefix string) []string {
	return strings.Split(strings.TrimPrefix(urlPath, prefix), "/")
}
