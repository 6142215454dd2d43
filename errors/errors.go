// Package errors provides error handling for the orchestrator.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails

	// Mark associates an error with a reference so errors.Is(err, ref)
	// holds without changing the message. Used to tag infrastructure
	// failures with their taxonomy sentinel.
	Mark = crdb.Mark
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Sentinel errors covering the orchestrator's error taxonomy.
// Use these with errors.Is() for type-safe error checking and wrap them
// with errors.Wrap() to add context while preserving the type.
var (
	// Validation (caller's fault)

	// ErrInvalidQueue indicates an unknown queue name
	ErrInvalidQueue = New("invalid queue")

	// ErrInvalidJobType indicates a (queue, type) pair that is not registered
	ErrInvalidJobType = New("invalid job type")

	// ErrInvalidDelay indicates a delay outside the permitted range
	ErrInvalidDelay = New("invalid delay")

	// ErrInvalidCron indicates a cron expression that failed to parse
	ErrInvalidCron = New("invalid cron expression")

	// ErrPayloadTooLarge indicates a payload exceeding the configured limit
	ErrPayloadTooLarge = New("payload too large")

	// ErrValidation indicates a malformed payload or request value
	ErrValidation = New("validation failed")

	// ErrInvalidConfig indicates a queue configuration update that is not usable
	ErrInvalidConfig = New("invalid configuration")

	// Authorization

	// ErrAuthRequired indicates the request lacks an identity
	ErrAuthRequired = New("authentication required")

	// ErrForbidden indicates the caller does not own the resource
	ErrForbidden = New("forbidden")

	// ErrAdminRequired indicates the operation is restricted to administrators
	ErrAdminRequired = New("admin required")

	// State

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrDuplicate indicates an id collision on create
	ErrDuplicate = New("duplicate")

	// ErrRefusedActive indicates a cancel attempt on a job whose handler is running
	ErrRefusedActive = New("refused: job is active")

	// ErrNotRetriable indicates a retry attempt on a job that is not failed
	ErrNotRetriable = New("not retriable")

	// ErrNotTriggerable indicates a manual fire of an unknown or stopped cron entry
	ErrNotTriggerable = New("not triggerable")

	// ErrBadToken indicates an ack/nack with an expired or stolen reservation token
	ErrBadToken = New("bad reservation token")

	// Infrastructure

	// ErrStoreUnavailable indicates a transient backing-store failure
	ErrStoreUnavailable = New("store unavailable")

	// ErrBrokerUnavailable indicates a transient broker failure
	ErrBrokerUnavailable = New("broker unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError reports whether err belongs to the validation class
// (caller's fault, 4xx). No job may be created when one of these surfaces.
func IsValidationError(err error) bool {
	return err != nil && IsAny(err,
		ErrInvalidQueue, ErrInvalidJobType, ErrInvalidDelay,
		ErrInvalidCron, ErrPayloadTooLarge, ErrValidation, ErrInvalidConfig)
}

// IsAuthError reports whether err belongs to the authorization class.
func IsAuthError(err error) bool {
	return err != nil && IsAny(err, ErrAuthRequired, ErrForbidden, ErrAdminRequired)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
