// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the closed error taxonomy used across maestro.
//
// Every surfaced error carries a stable code, a user-safe message, and
// optionally a cause. Codes map one-to-one onto HTTP status codes at the
// API boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. The set is closed; new codes require a
// corresponding HTTP mapping below.
type Code string

const (
	CodeBadRequest      Code = "bad_request"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeRateLimited     Code = "rate_limited"
	CodeEnvInvalid      Code = "env_invalid"
	CodeDBInsertFailed  Code = "db_insert_failed"
	CodeDBUpdateFailed  Code = "db_update_failed"
	CodeDBNotMigrated   Code = "db_not_migrated"
	CodeBadGateway      Code = "bad_gateway"
	CodeUpstreamTimeout Code = "upstream_timeout"
	CodeStreamClosed    Code = "stream_closed"
)

// Error is the taxonomy error type. Message is always safe to show to users;
// Cause carries the internal detail and is never serialized outward.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for this error's class.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBadGateway:
		return http.StatusBadGateway
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a taxonomy error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause to a taxonomy error.
func WithCause(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// BadRequest creates a bad_request error.
func BadRequest(message string) *Error {
	return New(CodeBadRequest, message)
}

// NotFound creates a not_found error for the given resource and id.
func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", resource, id)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// UpstreamTimeout creates an upstream_timeout error for the given operation.
func UpstreamTimeout(operation string, cause error) *Error {
	return WithCause(CodeUpstreamTimeout, fmt.Sprintf("%s timed out", operation), cause)
}

// BadGateway creates a bad_gateway error for a failing external service.
func BadGateway(service string, cause error) *Error {
	return WithCause(CodeBadGateway, fmt.Sprintf("%s returned an error", service), cause)
}

// StreamClosed creates a stream_closed error.
func StreamClosed(runID string) *Error {
	return Newf(CodeStreamClosed, "event stream closed for run %s", runID)
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Returns the empty code for unclassified errors.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
func As(err error, target any) bool {
	return errors.As(err, target)
}
