// Package apperr defines the error taxonomy shared by the storage backends and
// the token authority. Provider SDK errors are converted into *Error at the
// component boundary so callers only ever see these kinds.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindPermissionDenied  Kind = "permission_denied"
	KindProvider          Kind = "provider_error"
	KindTamperedOrExpired Kind = "tampered_or_expired"
	KindConstruction      Kind = "construction_error"
	KindAuthentication    Kind = "authentication_error"
)

// Sentinel errors. Match them with errors.Is.
var (
	ErrInvalidPath              = &Error{Kind: KindInvalidInput, Message: "invalid path"}
	ErrPathEscape               = &Error{Kind: KindPermissionDenied, Message: "path escapes storage root"}
	ErrSourceNotFound           = &Error{Kind: KindNotFound, Message: "source file does not exist"}
	ErrSourceEmpty              = &Error{Kind: KindInvalidInput, Message: "source file is empty"}
	ErrSourceNotRegular         = &Error{Kind: KindInvalidInput, Message: "source is not a regular file"}
	ErrTampered                 = &Error{Kind: KindTamperedOrExpired, Message: "identifier failed integrity check"}
	ErrInvalidToken             = &Error{Kind: KindTamperedOrExpired, Message: "invalid token"}
	ErrInvalidExpiry            = &Error{Kind: KindInvalidInput, Message: "invalid expiry"}
	ErrInvalidURL               = &Error{Kind: KindInvalidInput, Message: "url has no path component"}
	ErrPublicAccessNotConfirmed = &Error{Kind: KindPermissionDenied, Message: "public access not confirmed"}
	ErrEmptyIdentifier          = &Error{Kind: KindInvalidInput, Message: "empty identifier"}
)

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel with the same kind and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message && t.Op == ""
}

// New returns an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches kind and op to err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithOp returns a copy of a sentinel annotated with op, still matching the
// sentinel through errors.Is.
func WithOp(sentinel *Error, op string) *Error {
	return &Error{Kind: sentinel.Kind, Op: op, Message: sentinel.Message}
}

// Provider wraps an SDK or transport failure, keeping its message.
func Provider(op string, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Message: "provider request failed", Err: err}
}

// Construction wraps a fatal backend initialization failure.
func Construction(op string, err error) *Error {
	return &Error{Kind: KindConstruction, Op: op, Message: "construction failed", Err: err}
}

// Invalid returns an InvalidInput error with a formatted message.
func Invalid(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status an HTTP collaborator should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied, KindTamperedOrExpired:
		return http.StatusForbidden
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
