package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when an entity cannot be found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStateConflict is returned when the persisted status no longer matches the expected pre-state.
	ErrStateConflict = errors.New("state conflict")
	// ErrTransientProvider is returned for timeouts and 5xx responses from external providers.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrExhaustedRetries is returned when a stage message ran out of delivery attempts.
	ErrExhaustedRetries = errors.New("retries exhausted")
	// ErrForbidden is returned when the acting user lacks elevated privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrNoResponses is returned when every provider failed during aggregation.
	ErrNoResponses = errors.New("no provider responses")
)

// TransientProviderError wraps a retryable failure from an external provider.
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() []error { return []error{ErrTransientProvider, e.Err} }

// PermanentValidationError marks malformed input. It is never retried.
type PermanentValidationError struct {
	Field  string
	Reason string
}

func (e *PermanentValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *PermanentValidationError) Unwrap() error { return ErrInvalidInput }

// StateConflictError reports a stale message or a lost conditional update.
type StateConflictError struct {
	EntityID string
	Expected string
	Actual   string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on %s: expected %q, found %q", e.EntityID, e.Expected, e.Actual)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// ExhaustedRetryError is attached to dead-lettered stage messages.
type ExhaustedRetryError struct {
	Stage    string
	Attempts int
	Last     error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("stage %s: gave up after %d attempts: %v", e.Stage, e.Attempts, e.Last)
}

func (e *ExhaustedRetryError) Unwrap() []error { return []error{ErrExhaustedRetries, e.Last} }

// Validation builds a PermanentValidationError.
func Validation(field, reason string) error {
	return &PermanentValidationError{Field: field, Reason: reason}
}

// Transient wraps err as a TransientProviderError. A nil err stays nil.
func Transient(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientProviderError{Provider: provider, Err: err}
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool {
	var v *PermanentValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// Is, As and New mirror the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

type ctxKey string

// RequestIDKey is the context key the HTTP layer stores request ids under.
const RequestIDKey ctxKey = "request_id"
