// Package apperr defines the tagged error type shared by every component.
// Each failure carries a Kind (which maps to an HTTP status) and a stable
// machine-readable Code; handlers never inspect error strings.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimited
	KindDelivery
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindDelivery:
		return "delivery"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDelivery:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Two Errors match under errors.Is when their
// Kind and Code are equal, so sentinels still match after WithCause/WithMessage.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
	// parent lets a more specific error also satisfy errors.Is for a broader sentinel.
	parent *Error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Refine returns a new sentinel that is also errors.Is-equal to e.
func (e *Error) Refine(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, parent: e}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.parent != nil {
		errs = append(errs, e.parent)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// WithCause returns a copy of e that wraps cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific client-facing message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Internal wraps an unclassified failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "internal server error", cause: cause}
}

// Validation builds a 400 with a field-specific message.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: message}
}

// ErrValidation matches any error built with Validation.
var ErrValidation = New(KindValidation, "VALIDATION_ERROR", "invalid input")

// From returns the first *Error in err's chain, or an Internal wrapper.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf classifies err; unclassified errors are KindInternal.
func KindOf(err error) Kind {
	return From(err).Kind
}

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Write renders err as a JSON error body. The cause of an internal error is
// only included when exposeInternal is set (non-production).
func Write(w http.ResponseWriter, err error, exposeInternal bool) {
	e := From(err)
	p := payload{Code: e.Code, Message: e.Message}
	if e.Kind == KindInternal && exposeInternal && e.cause != nil {
		p.Detail = e.cause.Error()
	}
	WriteJSON(w, e.Kind.Status(), body{Error: p})
}

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
