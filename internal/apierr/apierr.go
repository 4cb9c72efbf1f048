// Package apierr is the typed error taxonomy the HTTP surface maps to
// status codes, and the {ok:false,error,details?} envelope writer. Grounded
// on the reference gateway's writeJSON/writeError helpers, with the
// envelope shape changed to match this service's contract exactly.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind classifies an error for status-code mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindAuthUnavailable   Kind = "auth_unavailable"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindDownstream        Kind = "downstream"
	KindFatalStoredSecret Kind = "fatal_stored_secret"
	KindLeaseLost         Kind = "lease_lost"
	KindInternal          Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindAuth:              http.StatusUnauthorized,
	KindAuthUnavailable:   http.StatusServiceUnavailable,
	KindConflict:          http.StatusConflict,
	KindNotFound:          http.StatusNotFound,
	KindDownstream:        http.StatusBadGateway,
	KindFatalStoredSecret: http.StatusInternalServerError,
	KindLeaseLost:         http.StatusConflict,
	KindInternal:          http.StatusInternalServerError,
}

// Error is a typed API error carrying its HTTP status mapping and optional
// structured details (e.g. validation field errors, retryAfterSeconds).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetails attaches structured details and returns the same error for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func Validation(message string) *Error        { return New(KindValidation, message) }
func Unauthorized(message string) *Error      { return New(KindAuth, message) }
func AuthUnavailable(message string) *Error   { return New(KindAuthUnavailable, message) }
func Conflict(message string) *Error          { return New(KindConflict, message) }
func NotFound(message string) *Error          { return New(KindNotFound, message) }
func Downstream(message string) *Error        { return New(KindDownstream, message) }
func FatalStoredSecret(message string) *Error { return New(KindFatalStoredSecret, message) }
func LeaseLost(message string) *Error         { return New(KindLeaseLost, message) }
func Internal(message string) *Error          { return New(KindInternal, message) }

// envelope is the wire shape of every error response: {ok:false, error, details?}.
type envelope struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// Write renders err (typed or not) as the standard error envelope and
// picks the response status from its Kind; an untyped error is treated as
// internal and its message is not leaked to the caller.
func Write(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*Error); ok {
		WriteJSON(w, apiErr.Status(), envelope{OK: false, Error: apiErr.Message, Details: apiErr.Details})
		return
	}
	WriteJSON(w, http.StatusInternalServerError, envelope{OK: false, Error: "internal error"})
}
