package kinvey

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the kinvey package.
var (
	// ErrInvalidCredentials is returned when the backend rejects the session
	// token and the refresh flow failed or was unavailable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidGrant is returned when the refresh token itself is rejected.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrNoActiveUser is returned when session auth is requested with no
	// active user.
	ErrNoActiveUser = errors.New("no active user")

	// ErrNotFound is returned when an entity, collection, or id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSync is returned for sync-queue violations: a push already in
	// progress, an invalid pending-operation merge, or a missing _id while
	// recording an intent.
	ErrSync = errors.New("sync error")

	// ErrInvalidCachedQuery is returned when the server rejects a delta-set
	// since token. Callers must fall back to a full pull.
	ErrInvalidCachedQuery = errors.New("invalid cached query")

	// ErrMissingConfiguration is returned when delta-set is not configured
	// on the collection.
	ErrMissingConfiguration = errors.New("missing configuration")

	// ErrServerError is returned for 5xx responses.
	ErrServerError = errors.New("server error")

	// ErrTimeout is returned when a request exceeds its configured timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrNoResponse is returned when the transport yielded nothing.
	ErrNoResponse = errors.New("no response received")
)

// ErrorKind categorizes errors surfaced to callers. The set is closed.
type ErrorKind int

const (
	// KindKinvey is a generic client-side invariant violation (bad
	// arguments, bad state).
	KindKinvey ErrorKind = iota
	// KindInvalidCredentials indicates the server rejected the token.
	KindInvalidCredentials
	// KindInvalidGrant indicates the refresh token was rejected.
	KindInvalidGrant
	// KindNoActiveUser indicates session auth with no active user.
	KindNoActiveUser
	// KindNotFound indicates a missing entity, collection, or id.
	KindNotFound
	// KindSync indicates a sync-queue violation.
	KindSync
	// KindInvalidCachedQuery indicates a rejected delta-set since token.
	KindInvalidCachedQuery
	// KindMissingConfiguration indicates delta-set is not configured.
	KindMissingConfiguration
	// KindServerError indicates a 5xx response.
	KindServerError
	// KindTimeout indicates the request exceeded its timeout.
	KindTimeout
	// KindNoResponse indicates the transport yielded nothing.
	KindNoResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindKinvey:
		return "Kinvey"
	case KindInvalidCredentials:
		return "InvalidCredentials"
	case KindInvalidGrant:
		return "InvalidGrant"
	case KindNoActiveUser:
		return "NoActiveUser"
	case KindNotFound:
		return "NotFound"
	case KindSync:
		return "Sync"
	case KindInvalidCachedQuery:
		return "InvalidCachedQuery"
	case KindMissingConfiguration:
		return "MissingConfiguration"
	case KindServerError:
		return "ServerError"
	case KindTimeout:
		return "Timeout"
	case KindNoResponse:
		return "NoResponse"
	default:
		return "Unknown"
	}
}

// Error is the typed error surfaced by the SDK. Kind places it in the closed
// set above; StatusCode carries the HTTP status when the error originated
// from a response.
type Error struct {
	Kind       ErrorKind
	Message    string
	Debug      string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error matching against the package sentinels.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindInvalidCredentials:
		return target == ErrInvalidCredentials
	case KindInvalidGrant:
		return target == ErrInvalidGrant
	case KindNoActiveUser:
		return target == ErrNoActiveUser
	case KindNotFound:
		return target == ErrNotFound
	case KindSync:
		return target == ErrSync
	case KindInvalidCachedQuery:
		return target == ErrInvalidCachedQuery
	case KindMissingConfiguration:
		return target == ErrMissingConfiguration
	case KindServerError:
		return target == ErrServerError
	case KindTimeout:
		return target == ErrTimeout
	case KindNoResponse:
		return target == ErrNoResponse
	}
	return false
}

// newError creates a new typed error.
func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError creates a new typed error wrapping a cause.
func wrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// kindOf extracts the ErrorKind from err, or KindKinvey when err is not a
// typed SDK error.
func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindKinvey
}

// isTransient reports whether err is a connectivity-class failure that a
// cache-mode read may suppress in its network phase.
func isTransient(err error) bool {
	switch kindOf(err) {
	case KindTimeout, KindNoResponse:
		return true
	}
	return false
}
