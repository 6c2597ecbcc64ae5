// Package errors provides error handling for the GP training service: API
// errors that carry the HTTP status and JSON-RPC error code they should be
// reported with, and HTTP middleware for panic recovery and error logging.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// JSON-RPC 2.0 error codes used by the training API. The -32000 range is
// reserved for server-defined errors.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32000
	CodeNotFound       = -32001
	CodeConflict       = -32002
	CodeUnavailable    = -32003
)

// APIError is an error annotated with the HTTP status and JSON-RPC code it
// maps to at the transport boundary.
type APIError struct {
	Status  int
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error { return e.Err }

// InvalidParamsf reports a malformed or invalid request parameter.
func InvalidParamsf(format string, args ...interface{}) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound reports a missing resource, such as an unknown job ID.
func NotFound(message string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: message,
	}
}

// Conflictf reports an operation that is not valid in the resource's
// current state.
func Conflictf(format string, args ...interface{}) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    CodeConflict,
		Message: fmt.Sprintf(format, args...),
	}
}

// Unavailablef reports a request rejected by a resource limit.
func Unavailablef(format string, args ...interface{}) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeUnavailable,
		Message: fmt.Sprintf(format, args...),
	}
}

// Internal wraps an unexpected failure.
func Internal(err error, message string) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// StatusOf returns the HTTP status for err, defaulting to 500 when err
// carries no status.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the JSON-RPC error code for err, defaulting to the
// server-error code when err carries none.
func CodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}
