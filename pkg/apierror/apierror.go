// Package apierror defines the closed set of structured error kinds used
// across the gateway, together with the safe client-facing projection of
// each kind. Errors carry a stable string code, an optional detail bag, and
// a lazily minted correlation ID that links client-visible failures to the
// full record in the logs.
package apierror

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of error classifications.
type Kind string

// The closed set of kinds. Adding a kind requires updating FormatForClient
// and JSONRPCCode.
const (
	KindValidation        Kind = "validation"
	KindOperationNotFound Kind = "operation_not_found"
	KindParameter         Kind = "parameter"
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindRateLimit         Kind = "rate_limit"
	KindNetworkClient     Kind = "network_client"
	KindNetworkServer     Kind = "network_server"
	KindConfiguration     Kind = "configuration"
	KindSession           Kind = "session"
	KindStorage           Kind = "storage"
)

// Error is the structured error type for the gateway. Use the constructors
// rather than building values directly so the code stays stable per kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any

	// RetryAfter is set for rate-limit errors when the upstream provided a
	// Retry-After value. Zero means unknown.
	RetryAfter time.Duration

	cause error

	idOnce sync.Once
	id     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// CorrelationID returns the error's correlation ID, minting one on first use.
func (e *Error) CorrelationID() string {
	e.idOnce.Do(func() {
		e.id = uuid.NewString()
	})
	return e.id
}

// WithDetail attaches a key-value pair to the detail bag and returns the
// error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewValidation creates a validation error.
func NewValidation(format string, args ...any) *Error {
	return newError(KindValidation, "validation_error", format, args...)
}

// NewOperationNotFound creates an operation-not-found error.
func NewOperationNotFound(format string, args ...any) *Error {
	return newError(KindOperationNotFound, "operation_not_found", format, args...)
}

// NewParameter creates a parameter error.
func NewParameter(format string, args ...any) *Error {
	return newError(KindParameter, "parameter_error", format, args...)
}

// NewAuthentication creates an authentication error.
func NewAuthentication(format string, args ...any) *Error {
	return newError(KindAuthentication, "authentication_error", format, args...)
}

// NewAuthorization creates an authorization error.
func NewAuthorization(format string, args ...any) *Error {
	return newError(KindAuthorization, "authorization_error", format, args...)
}

// NewRateLimit creates a rate-limit error. retryAfter may be zero when the
// upstream did not say how long to wait.
func NewRateLimit(retryAfter time.Duration, format string, args ...any) *Error {
	e := newError(KindRateLimit, "rate_limit_error", format, args...)
	e.RetryAfter = retryAfter
	return e
}

// NewNetworkClient creates a client-side (4xx) network error.
func NewNetworkClient(format string, args ...any) *Error {
	return newError(KindNetworkClient, "client_error", format, args...)
}

// NewNetworkServer creates a server-side (5xx) network error.
func NewNetworkServer(format string, args ...any) *Error {
	return newError(KindNetworkServer, "server_error", format, args...)
}

// NewConfiguration creates a configuration error.
func NewConfiguration(format string, args ...any) *Error {
	return newError(KindConfiguration, "configuration_error", format, args...)
}

// NewSession creates a session error.
func NewSession(format string, args ...any) *Error {
	return newError(KindSession, "session_error", format, args...)
}

// NewStorage creates a storage error.
func NewStorage(format string, args ...any) *Error {
	return newError(KindStorage, "storage_error", format, args...)
}

// AsError extracts an *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// FormatForClient returns the safe, user-visible projection of err together
// with the correlation ID embedded in it. Internal detail never leaks: only
// kinds whose messages are known-safe include them.
func FormatForClient(err error) string {
	e, ok := AsError(err)
	if !ok {
		e = NewNetworkServer("internal error").WithCause(err)
	}
	id := e.CorrelationID()

	switch e.Kind {
	case KindValidation, KindOperationNotFound, KindParameter,
		KindAuthentication, KindAuthorization, KindConfiguration,
		KindNetworkClient, KindSession, KindStorage:
		return fmt.Sprintf("%s (correlation ID: %s)", e.Message, id)
	case KindRateLimit:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("%s. Retry after %d seconds (correlation ID: %s)",
				e.Message, int(e.RetryAfter.Seconds()), id)
		}
		return fmt.Sprintf("%s (correlation ID: %s)", e.Message, id)
	default:
		return fmt.Sprintf("Internal error (correlation ID: %s)", id)
	}
}

// JSON-RPC error codes surfaced to MCP clients.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeAuthentication = -32001
	CodeAuthorization  = -32002
	CodeRateLimit      = -32003
)

// JSONRPCCode maps an error to the JSON-RPC error code surfaced to clients.
func JSONRPCCode(err error) int {
	e, ok := AsError(err)
	if !ok {
		return CodeInternal
	}
	switch e.Kind {
	case KindOperationNotFound:
		return CodeMethodNotFound
	case KindValidation, KindParameter:
		return CodeInvalidParams
	case KindAuthentication:
		return CodeAuthentication
	case KindAuthorization:
		return CodeAuthorization
	case KindRateLimit:
		return CodeRateLimit
	default:
		return CodeInternal
	}
}
