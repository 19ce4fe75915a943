// Package nodeerr implements the error taxonomy of §7: a small set of error
// kinds (not Go types) that every subsystem maps its failures onto, so
// handlers and the control loop can translate them uniformly.
package nodeerr

import (
	"fmt"
	"time"
)

// Kind classifies a node error for the purposes of HTTP status mapping,
// retry policy, and fatal/non-fatal dispatch.
type Kind string

const (
	// ConfigError: credentials/path/permissions. Fatal at startup.
	ConfigError Kind = "config_error"
	// ClockDrift: cert not-after < now+1 day on load. Fatal at startup.
	ClockDrift Kind = "clock_drift"
	// CoordinatorFatal: KEY_EXPIRED, or repeated keep-alive refusal. Fatal at runtime.
	CoordinatorFatal Kind = "coordinator_fatal"
	// CoordinatorTransient: 5xx, connection error. Retried locally.
	CoordinatorTransient Kind = "coordinator_transient"
	// CacheIntegrity: hash mismatch on read or commit.
	CacheIntegrity Kind = "cache_integrity"
	// SourceFetchFail: all upstream hints exhausted.
	SourceFetchFail Kind = "source_fetch_fail"
	// ClientTimeout: the requesting client's connection timed out.
	ClientTimeout Kind = "client_timeout"
	// ClientDisconnect: the requesting client went away mid-response.
	ClientDisconnect Kind = "client_disconnect"
	// Forbidden: IP/signature/drift check failed.
	Forbidden Kind = "forbidden"
)

// Error is the single error shape used across the node. It carries enough
// context for a handler to pick an HTTP status and for the control loop to
// decide whether to keep running.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
	At        time.Time
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		At:        time.Now(),
	}
}

func wrap(kind Kind, retryable bool, cause error, format string, args ...any) *Error {
	e := newErr(kind, retryable, format, args...)
	e.Cause = cause
	return e
}

// Constructors, one per kind, mirroring the taxonomy in §7.

func NewConfigError(cause error, format string, args ...any) *Error {
	return wrap(ConfigError, false, cause, format, args...)
}

func NewClockDrift(format string, args ...any) *Error {
	return newErr(ClockDrift, false, format, args...)
}

func NewCoordinatorFatal(format string, args ...any) *Error {
	return newErr(CoordinatorFatal, false, format, args...)
}

func NewCoordinatorTransient(cause error, format string, args ...any) *Error {
	return wrap(CoordinatorTransient, true, cause, format, args...)
}

func NewCacheIntegrity(format string, args ...any) *Error {
	return newErr(CacheIntegrity, false, format, args...)
}

func NewSourceFetchFail(cause error, format string, args ...any) *Error {
	return wrap(SourceFetchFail, false, cause, format, args...)
}

func NewClientTimeout(format string, args ...any) *Error {
	return newErr(ClientTimeout, false, format, args...)
}

func NewClientDisconnect(format string, args ...any) *Error {
	return newErr(ClientDisconnect, false, format, args...)
}

func NewForbidden(format string, args ...any) *Error {
	return newErr(Forbidden, false, format, args...)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	ne, ok := err.(*Error)
	return ok && ne.Kind == kind
}

// HTTPStatus maps a Kind to the HTTP status the server should reply with.
// Kinds that never surface directly to an HTTP handler (ConfigError,
// ClockDrift, CoordinatorFatal, CoordinatorTransient) map to 500 as a
// fallback; callers should not normally expose them.
func (k Kind) HTTPStatus() int {
	switch k {
	case Forbidden:
		return 403
	case CacheIntegrity, SourceFetchFail:
		return 404
	case ClientTimeout:
		return 408
	default:
		return 500
	}
}
