package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can decide between fixing input,
// showing the server's message, or retrying later.
type Kind int

const (
	// KindValidation is bad local input; nothing was sent.
	KindValidation Kind = iota + 1
	// KindApplication is a rejection carried in the server's error field.
	KindApplication
	// KindTransport is a network, timeout or undecodable-response failure.
	KindTransport
	// KindState is an operation attempted in the wrong session state.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindApplication:
		return "application"
	case KindTransport:
		return "transport"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is the single failure type returned by the gateway and the engines
// built on it.
type Error struct {
	Kind    Kind
	Op      string
	Status  int    // HTTP status, 0 when no response arrived
	Code    string // machine-checkable reason derived from Status
	Message string // server message verbatim for KindApplication
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindApplication:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a KindValidation error.
func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

// StateError builds a KindState error.
func StateError(op, msg string) *Error {
	return &Error{Kind: KindState, Op: op, Message: msg}
}

func transportError(op, msg string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: msg, Err: err}
}

func applicationError(op string, status int, msg string) *Error {
	return &Error{Kind: KindApplication, Op: op, Status: status, Code: codeForStatus(status), Message: msg}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsValidation reports whether err is a local input error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsApplication reports whether err is a server-side rejection.
func IsApplication(err error) bool { return KindOf(err) == KindApplication }

// IsTransport reports whether err is a connectivity or decoding failure.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsState reports whether err is a wrong-state error.
func IsState(err error) bool { return KindOf(err) == KindState }

// IsUnauthorized reports whether the server rejected the credentials.
func IsUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindApplication && e.Code == CodeUnauthorized
}

// Reason codes for application errors.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeServerError      = "server_error"
	CodeRejected         = "rejected"
)

func codeForStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return CodeBadRequest
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusMethodNotAllowed:
		return CodeMethodNotAllowed
	case status >= 500:
		return CodeServerError
	default:
		// A 2xx body with an error field still counts as a rejection.
		return CodeRejected
	}
}
