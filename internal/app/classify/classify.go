// Package classify maps transport and HTTP failures into the small error
// taxonomy shared by the request pipeline and the cart manager.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is a classified failure category.
type Kind string

const (
	KindNetwork         Kind = "network_error"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindValidation      Kind = "validation"
	KindRateLimited     Kind = "rate_limited"
	KindServer          Kind = "server_error"
	KindUnknown         Kind = "unknown"
)

// Kind sentinels for errors.Is matching.
var (
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrServer          = &Error{Kind: KindServer}
	ErrUnknown         = &Error{Kind: KindUnknown}
)

// Error is a classified failure.
type Error struct {
	Kind          Kind
	Status        int    // HTTP status; 0 when no response arrived
	Message       string // server-supplied message, when any
	Method        string
	Endpoint      string
	CorrelationID string
	Err           error // underlying cause
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = DefaultMessage(e.Kind)
	}
	where := ""
	if e.Method != "" || e.Endpoint != "" {
		where = fmt.Sprintf(" %s %s", e.Method, e.Endpoint)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d)%s: %s", e.Kind, e.Status, where, msg)
	}
	return fmt.Sprintf("%s%s: %s", e.Kind, where, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return IsRetryable(e.Kind) }

// Actionable reports whether the user can fix the input and try again.
func (e *Error) Actionable() bool {
	return e.Kind == KindValidation || e.Kind == KindConflict
}

// ForcesLogin reports whether the failure ends the authenticated session.
func (e *Error) ForcesLogin() bool { return e.Kind == KindUnauthenticated }

// ─── Classification ─────────────────────────────────────────────────────────

// FromStatus maps an HTTP status code to a Kind. Success codes map to "".
func FromStatus(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized:
		return KindUnauthenticated
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status < 600:
		return KindServer
	default:
		return KindUnknown
	}
}

// Status builds a classified error from an HTTP response status.
func Status(status int, message string) *Error {
	kind := FromStatus(status)
	if kind == "" {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// Transport classifies a failure where no response reached the client.
// Timeouts and cancellations are network errors too.
func Transport(err error) *Error {
	return &Error{Kind: KindNetwork, Err: err}
}

// Unauthenticated builds the error used when a session cannot be recovered.
func Unauthenticated(cause error) *Error {
	return &Error{Kind: KindUnauthenticated, Status: http.StatusUnauthorized, Err: cause}
}

// From returns err as a classified error. Already-classified errors pass
// through; transport-looking errors become NetworkError; anything else is
// Unknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if isTransport(err) {
		return Transport(err)
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) Kind {
	if ce := From(err); ce != nil {
		return ce.Kind
	}
	return ""
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ─── Presentation ───────────────────────────────────────────────────────────

// IsRetryable reports whether a kind should be presented as "try again".
func IsRetryable(k Kind) bool {
	switch k {
	case KindNetwork, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// DefaultMessage returns the user-facing text for a kind.
func DefaultMessage(k Kind) string {
	switch k {
	case KindNetwork:
		return "Network unavailable. Please check your connection and try again."
	case KindUnauthenticated:
		return "Your session has ended. Please log in again."
	case KindForbidden:
		return "Access forbidden. You do not have permission."
	case KindNotFound:
		return "The requested resource was not found."
	case KindConflict:
		return "Conflict. The resource already exists or has been modified."
	case KindValidation:
		return "Validation failed. Please check your input."
	case KindRateLimited:
		return "Too many requests. Please wait and try again."
	case KindServer:
		return "Server error. Please try again later."
	default:
		return "An unexpected error occurred."
	}
}
