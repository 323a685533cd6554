package convert

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable failure category returned to clients.
type Kind string

const (
	KindMissingFile      Kind = "missing_file"
	KindInvalidType      Kind = "invalid_type"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindInvalidOptions   Kind = "invalid_options"
	KindInputNotFound    Kind = "input_not_found"
	KindContentRejected  Kind = "content_rejected"
	KindServerBusy       Kind = "server_busy"
	KindConversionFailed Kind = "conversion_failed"
	KindUnknown          Kind = "unknown_error"
	KindInternal         Kind = "internal_error"
)

// HTTPStatus is the response status for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingFile, KindInvalidOptions, KindInputNotFound:
		return http.StatusBadRequest
	case KindInvalidType:
		return http.StatusUnsupportedMediaType
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindContentRejected:
		return http.StatusUnprocessableEntity
	case KindServerBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a request failure. Message is safe to show to clients; Err
// carries the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("convert: %s (%s)", e.Kind, e.Message)
	}
	return fmt.Sprintf("convert: %s (%s): %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError returns err as an *Error, wrapping anything else as an internal error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInternal, "Unexpected error", err)
}
