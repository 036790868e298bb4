// Package apperr defines the stable, machine-readable error codes
// surfaced across the control plane and the per-job pipeline.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error classification. Codes are part
// of the REST contract and must not be renamed once shipped.
type Code string

const (
	InvalidInput      Code = "INVALID_INPUT"
	NotFound          Code = "NOT_FOUND"
	AlreadyExists     Code = "ALREADY_EXISTS"
	InvalidState      Code = "INVALID_STATE"
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"
	SourceUnavailable Code = "SOURCE_UNAVAILABLE"
	DetectorError     Code = "DETECTOR_ERROR"
	StoreError        Code = "STORE_ERROR"
	Fatal             Code = "FATAL"
)

// Error is a typed application error carrying a stable Code alongside a
// human-readable message and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error wrapping cause. If cause is nil, returns nil so
// callers can use apperr.Wrap(code, msg, err) in a direct return.
func Wrap(code Code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error,
// defaulting to FATAL for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Fatal
}

// HTTPStatus maps a Code to the response status the REST surface uses.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case InvalidState:
		return http.StatusConflict
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case SourceUnavailable:
		return http.StatusBadGateway
	case DetectorError, StoreError, Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
