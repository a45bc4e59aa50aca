// Package errors provides the structured error taxonomy used across the
// pipeline: a single AppError type carrying a classification, an HTTP-ish
// status code, optional details and an optional wrapped cause.
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorType classifies an AppError. Values are intentionally lowercase
// strings so they serialize cleanly into log fields and persisted
// checkpoint rows.
type ErrorType string

const (
	// General-purpose classification, used by the config/validation and
	// storage collaborators outside the concurrency core.
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"

	// The §7 taxonomy consumed by the retry executor, circuit breaker and
	// orchestrator. Transient.
	ErrorTypeServer5xx ErrorType = "server_5xx"

	// Terminal-remote: never retried, surfaced as a per-entry failure.
	ErrorTypeClient4xx  ErrorType = "client_4xx"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeInfeasible ErrorType = "infeasible"

	// Safety: the circuit is open, the call was never attempted.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	// Lifecycle: terminal for this attempt only.
	ErrorTypeCancelled ErrorType = "cancelled"

	// Internal: indicates a bug. Never retried; the orchestrator records
	// the entry as failed and the rest of the batch continues.
	ErrorTypeInvariant ErrorType = "invariant"
)

// AppError is the one error type the pipeline constructs by hand; every
// other error entering the system is wrapped into one via Wrap/Wrapf.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error

	// RetryAfter carries a server-supplied hint for RateLimited and
	// CircuitOpen errors (§7); zero means "no hint".
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails sets free-form context on the error, replacing any earlier
// details, modifying it in place and returning it for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithRetryAfter attaches a retry-after hint, used by RateLimited and
// CircuitOpen errors so the retry executor can honor it (§4.C).
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// Retryable reports whether the retry executor's default predicate should
// re-attempt an operation that failed with this error type. CircuitOpen and
// Cancelled are deliberately excluded even though a human might call them
// "transient" — §4.E requires CircuitOpen to bubble up immediately, never
// through C.
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer5xx, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

func statusCodeFor(t ErrorType) int {
	switch t {
	case ErrorTypeValidation, ErrorTypeClient4xx, ErrorTypeInfeasible:
		return http.StatusBadRequest
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeParse:
		return http.StatusUnprocessableEntity
	case ErrorTypeServer5xx:
		return http.StatusBadGateway
	case ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrorTypeCancelled:
		return 499 // nginx's "client closed request", there is no standard code
	case ErrorTypeDatabase, ErrorTypeNetwork, ErrorTypeInternal, ErrorTypeInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError with no wrapped cause.
func New(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Message:    message,
		StatusCode: statusCodeFor(errorType),
	}
}

// Wrap wraps an existing error with a classification and message.
func Wrap(err error, errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Message:    message,
		StatusCode: statusCodeFor(errorType),
		Cause:      err,
	}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, errorType ErrorType, format string, args ...any) *AppError {
	return Wrap(err, errorType, fmt.Sprintf(format, args...))
}

// Predefined constructors, general-purpose.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// Predefined constructors, pipeline §7 taxonomy.

func NewNetworkError(cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, "network error")
}

func NewServer5xxError(statusCode int, cause error) *AppError {
	return Wrapf(cause, ErrorTypeServer5xx, "remote returned %d", statusCode)
}

func NewRateLimitedError(retryAfter time.Duration) *AppError {
	return New(ErrorTypeRateLimit, "remote rate limit exceeded").WithRetryAfter(retryAfter)
}

func NewClient4xxError(statusCode int, cause error) *AppError {
	return Wrapf(cause, ErrorTypeClient4xx, "remote rejected request with %d", statusCode)
}

func NewParseError(stage string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeParse, "failed to parse stage %s output", stage)
}

func NewInfeasibleError(count, burst int) *AppError {
	return New(ErrorTypeInfeasible, fmt.Sprintf("requested %d tokens exceeds burst capacity %d", count, burst))
}

func NewCircuitOpenError(service string, retryAfter time.Duration) *AppError {
	return Wrapf(nil, ErrorTypeCircuitOpen, "circuit open for service %q", service).WithRetryAfter(retryAfter)
}

func NewCancelledError(operation string) *AppError {
	return New(ErrorTypeCancelled, fmt.Sprintf("cancelled: %s", operation))
}

func NewEntryTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("entry deadline exceeded: %s", operation))
}

func NewInvariantError(message string) *AppError {
	return New(ErrorTypeInvariant, message)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, errorType ErrorType) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Type == errorType
}

// GetType returns the error's classification, or ErrorTypeInternal for a
// plain error.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the error's status code, or 500 for a plain error.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// GetRetryAfter returns the retry-after hint carried by a RateLimited or
// CircuitOpen error, used by the retry executor to take the larger of its
// own computed delay and the server's hint (§4.C).
func GetRetryAfter(err error) (time.Duration, bool) {
	appErr, ok := err.(*AppError)
	if !ok || appErr.RetryAfter <= 0 {
		return 0, false
	}
	return appErr.RetryAfter, true
}

// IsRetryable reports whether err should be retried by the default
// retry.Config.RetryOn predicate.
func IsRetryable(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Retryable()
}

// ErrorMessages holds the generic, safe-to-display strings for error types
// whose real message may contain sensitive detail.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently",
}

// SafeErrorMessage returns a message suitable for surfacing outside the
// process: validation errors pass their message through since it is
// typically already user-facing, other classifications are replaced with a
// fixed, non-leaky string.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields returns a flat map suitable for logrus.WithFields, carrying as
// much context as the error offers without leaking a Go-specific %+v dump.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins a set of errors (skipping nils) into one error whose message
// concatenates each constituent with " -> ". Returns nil if every argument
// is nil, and the lone error unchanged if exactly one is non-nil.
func Chain(errs ...error) error {
	var present []error
	for _, err := range errs {
		if err != nil {
			present = append(present, err)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		msgs := make([]string, len(present))
		for i, err := range present {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, " -> "))
	}
}
