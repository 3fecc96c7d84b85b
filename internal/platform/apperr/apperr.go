// Package apperr defines the error taxonomy shared by the lifecycle engine
// and maps it onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindInvalidTransition    Kind = "invalid_transition"
	KindConflict             Kind = "conflict"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindStorageIO            Kind = "storage_io"
)

// Sentinels. Package-level errors in the domain packages wrap these so that
// errors.Is works against both the specific and the generic value.
var (
	ErrValidation           = &kindError{kind: KindValidation, msg: "validation failed"}
	ErrNotFound             = &kindError{kind: KindNotFound, msg: "not found"}
	ErrInvalidTransition    = &kindError{kind: KindInvalidTransition, msg: "invalid status transition"}
	ErrConflict             = &kindError{kind: KindConflict, msg: "conflict"}
	ErrUnsupportedMediaType = &kindError{kind: KindUnsupportedMediaType, msg: "unsupported media type"}
	ErrPayloadTooLarge      = &kindError{kind: KindPayloadTooLarge, msg: "payload too large"}
	ErrStorageIO            = &kindError{kind: KindStorageIO, msg: "storage failure"}
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Error is a classified error with a caller-facing message and an optional
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	errs := []error{sentinel(e.Kind)}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// New builds a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind with the given message.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// TooLong returns a validation error when value has more than max characters,
// and nil otherwise. max mirrors the VARCHAR width of the backing column.
func TooLong(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return Validation("%s must be at most %d characters", field, max)
	}
	return nil
}

// StorageIO wraps an underlying store failure.
func StorageIO(cause error, message string) *Error {
	return Wrap(KindStorageIO, cause, message)
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindConflict:
		return ErrConflict
	case KindUnsupportedMediaType:
		return ErrUnsupportedMediaType
	case KindPayloadTooLarge:
		return ErrPayloadTooLarge
	default:
		return ErrStorageIO
	}
}

// KindOf returns the kind of err, or KindStorageIO for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindStorageIO
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// HTTPErrorHandler renders classified errors as {"error": {...}} and falls
// back to echo's own HTTPError for routing and middleware failures.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := fmt.Sprintf("%v", he.Message)
			_ = c.JSON(he.Code, map[string]errorBody{"error": {Kind: kindForStatus(he.Code), Message: msg}})
			return
		}

		status := HTTPStatus(err)
		kind := KindOf(err)
		msg := err.Error()
		if kind == KindStorageIO {
			logger.Error().Err(err).
				Str("path", c.Request().URL.Path).
				Msg("storage failure")
			msg = "internal storage error"
		}
		var ae *Error
		if errors.As(err, &ae) && kind != KindStorageIO {
			msg = ae.Message
		}
		_ = c.JSON(status, map[string]errorBody{"error": {Kind: kind, Message: msg}})
	}
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnsupportedMediaType:
		return KindUnsupportedMediaType
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	default:
		return Kind(http.StatusText(code))
	}
}
