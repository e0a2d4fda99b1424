// Package errors provides the pipeline's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Validation errors (1xxx): malformed config, unknown severity, duplicate
	// subscription id. Fatal at load time; the run aborts before any state
	// mutation.
	ErrCodeInvalidConfig      ErrorCode = "VAL_1001"
	ErrCodeDuplicateSubscribe ErrorCode = "VAL_1002"
	ErrCodeUnknownSeverity    ErrorCode = "VAL_1003"

	// Envelope parse errors (2xxx): missing required event field, unparseable
	// timestamp. The offending event is dropped and counted; never fatal.
	ErrCodeMissingField   ErrorCode = "ENV_2001"
	ErrCodeBadTimestamp   ErrorCode = "ENV_2002"
	ErrCodeMalformedEvent ErrorCode = "ENV_2003"

	// Predicate evaluation errors (3xxx): type mismatch in min_delta and
	// similar. Treated as a non-match; never fatal.
	ErrCodePredicateTypeMismatch ErrorCode = "PRED_3001"

	// Sink errors (4xxx): write failure, timeout, unknown channel type.
	// Recorded as skipped attempts; never fatal.
	ErrCodeSinkWrite    ErrorCode = "SINK_4001"
	ErrCodeSinkTimeout  ErrorCode = "SINK_4002"
	ErrCodeUnknownSink  ErrorCode = "SINK_4003"

	// State I/O errors (5xxx): state file unreadable falls back to empty
	// state; state file unwritable fails the run after outputs are produced.
	ErrCodeStateRead  ErrorCode = "STATE_5001"
	ErrCodeStateWrite ErrorCode = "STATE_5002"

	// Auth boundary errors (6xxx): verifying the {sub, role} principal.
	ErrCodeInvalidToken ErrorCode = "AUTH_6001"
	ErrCodeTokenExpired ErrorCode = "AUTH_6002"
	ErrCodeUnknownRole  ErrorCode = "AUTH_6003"
)

// ServiceError represents a structured, classified pipeline error.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Fatal      bool                   `json:"fatal"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional context to the error, returning itself for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, fatal bool) *ServiceError {
	return &ServiceError{Code: code, Message: message, Fatal: fatal, HTTPStatus: http.StatusInternalServerError}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, fatal bool, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Fatal: fatal, Err: err, HTTPStatus: http.StatusInternalServerError}
}

// Validation errors (fatal, load time)

func InvalidConfig(reason string, err error) *ServiceError {
	return Wrap(ErrCodeInvalidConfig, "invalid configuration", true, err).WithDetails("reason", reason)
}

func DuplicateSubscription(id string) *ServiceError {
	return New(ErrCodeDuplicateSubscribe, "duplicate subscription id", true).WithDetails("subscription_id", id)
}

func UnknownSeverity(value string) *ServiceError {
	return New(ErrCodeUnknownSeverity, "unknown severity", false).WithDetails("severity", value)
}

// Envelope parse errors (non-fatal, per-event)

func MissingField(field string) *ServiceError {
	return New(ErrCodeMissingField, "missing required event field", false).WithDetails("field", field)
}

func BadTimestamp(raw string) *ServiceError {
	return New(ErrCodeBadTimestamp, "unparseable timestamp", false).WithDetails("raw", raw)
}

func MalformedEvent(reason string) *ServiceError {
	return New(ErrCodeMalformedEvent, "malformed event", false).WithDetails("reason", reason)
}

// Predicate evaluation errors (non-fatal, non-match)

func PredicateTypeMismatch(field string, err error) *ServiceError {
	return Wrap(ErrCodePredicateTypeMismatch, "predicate type mismatch", false, err).WithDetails("field", field)
}

// Sink errors (non-fatal, recorded as skipped attempts)

func SinkWriteFailed(channelID string, err error) *ServiceError {
	return Wrap(ErrCodeSinkWrite, "sink write failed", false, err).WithDetails("channel_id", channelID)
}

func SinkTimeout(channelID string) *ServiceError {
	return New(ErrCodeSinkTimeout, "sink call timed out", false).WithDetails("channel_id", channelID)
}

func UnknownSinkType(sinkType string) *ServiceError {
	return New(ErrCodeUnknownSink, "unknown channel type", false).WithDetails("type", sinkType)
}

// State I/O errors

func StateReadFailed(path string, err error) *ServiceError {
	return Wrap(ErrCodeStateRead, "could not read dedupe state, falling back to empty state", false, err).WithDetails("path", path)
}

func StateWriteFailed(path string, err error) *ServiceError {
	return Wrap(ErrCodeStateWrite, "could not write dedupe state", true, err).WithDetails("path", path)
}

// Auth boundary errors

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "invalid principal token", true, err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "principal token has expired", true)
}

func UnknownRole(role string) *ServiceError {
	return New(ErrCodeUnknownRole, "unknown projection role", true).WithDetails("role", role)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// IsFatal reports whether err, if a ServiceError, aborts the run.
func IsFatal(err error) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Fatal
	}
	return false
}
