// Package errors provides the structured error taxonomy shared by the sync layer.
package errors

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorCode identifies one entry of the failure taxonomy.
type ErrorCode string

const (
	// Network failures
	CodeNoConnectivity ErrorCode = "NO_CONNECTIVITY"
	CodeTimeout        ErrorCode = "TIMEOUT"

	// Remote failures
	CodeServerError ErrorCode = "SERVER_ERROR"
	CodeAPIError    ErrorCode = "API_ERROR"

	// Data failures
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage failures
	CodeCacheWrite ErrorCode = "CACHE_WRITE_ERROR"
	CodeStore      ErrorCode = "STORE_ERROR"

	// Configuration failures
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	CodeUnknown ErrorCode = "UNKNOWN"
)

// ErrorCategory groups codes by the layer that produced them.
type ErrorCategory string

const (
	CategoryNetwork       ErrorCategory = "network"
	CategoryRemote        ErrorCategory = "remote"
	CategoryData          ErrorCategory = "data"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with taxonomy code and context.
type Error struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates an error with the defaults for code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Details:   make(map[string]interface{}),
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory returns the category for code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case CodeNoConnectivity, CodeTimeout:
		return CategoryNetwork
	case CodeServerError, CodeAPIError:
		return CategoryRemote
	case CodeValidation:
		return CategoryData
	case CodeCacheWrite, CodeStore:
		return CategoryStorage
	case CodeInvalidConfig:
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case CodeNoConnectivity, CodeTimeout, CodeServerError:
		return true
	default:
		return false
	}
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NoConnectivity reports that the network is unreachable.
func NoConnectivity(cause error) *Error {
	return New(CodeNoConnectivity, "no internet connection").WithCause(cause)
}

// Timeout reports that a remote call ran out of time.
func Timeout(cause error) *Error {
	return New(CodeTimeout, "request timed out").WithCause(cause)
}

// ServerError reports a 5xx response.
func ServerError(status int, body string) *Error {
	return New(CodeServerError, fmt.Sprintf("server error (status %d)", status)).
		WithDetail("code", status).
		WithDetail("body", body)
}

// APIError reports a non-2xx, non-5xx response.
func APIError(status int, body string) *Error {
	return New(CodeAPIError, fmt.Sprintf("api error (status %d)", status)).
		WithDetail("code", status).
		WithDetail("body", body)
}

// Validation reports malformed data in field.
func Validation(field, message string) *Error {
	return New(CodeValidation, message).WithDetail("field", field)
}

// CacheWrite reports a failed local write for key.
func CacheWrite(key string, cause error) *Error {
	return New(CodeCacheWrite, "failed to write local data").
		WithDetail("key", key).
		WithCause(cause)
}

// Unknown wraps an unclassified failure message.
func Unknown(message string) *Error {
	return New(CodeUnknown, message)
}

// CodeOf returns the taxonomy code carried by err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderr.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderr.As(Classify(err), &e) {
		return e.Retryable
	}
	return false
}

// Classify maps an arbitrary error onto the taxonomy. Errors already
// carrying a code are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if stderr.As(err, &e) {
		return err
	}

	// Cancellation is the caller leaving, not a failure of the call.
	if stderr.Is(err, context.Canceled) {
		return err
	}

	if stderr.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}

	var netErr net.Error
	if stderr.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}

	var opErr *net.OpError
	if stderr.As(err, &opErr) {
		return NoConnectivity(err)
	}

	var dnsErr *net.DNSError
	if stderr.As(err, &dnsErr) {
		return NoConnectivity(err)
	}

	var syntaxErr *json.SyntaxError
	if stderr.As(err, &syntaxErr) {
		return Validation("body", "malformed response payload").WithCause(err)
	}

	var typeErr *json.UnmarshalTypeError
	if stderr.As(err, &typeErr) {
		return Validation(typeErr.Field, "unexpected field type in payload").WithCause(err)
	}

	return Unknown(err.Error()).WithCause(err)
}

// Message returns a short line suitable for an error banner.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !stderr.As(err, &e) {
		return err.Error()
	}
	switch e.Code {
	case CodeNoConnectivity:
		return "No internet connection"
	case CodeTimeout:
		return "The request timed out"
	case CodeServerError:
		return "The server is having trouble, please try again later"
	case CodeAPIError:
		return "The request could not be completed"
	case CodeValidation:
		return "Received unexpected data"
	case CodeCacheWrite:
		return "Could not save data on this device"
	default:
		return e.Message
	}
}
