// Package resource defines the tagged result type emitted by repositories.
package resource

import (
	"fmt"

	"github.com/bustrack/transitsync/pkg/errors"
)

// Status is the active tag of a Resource.
type Status int

const (
	StatusLoading Status = iota
	StatusSuccess
	StatusError
)

// String returns the string representation of a status
func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Resource is the state of an asynchronous read. Loading and Error may
// still carry the last known Data so callers can show stale content.
// Values are immutable once constructed and passed by value.
type Resource[T any] struct {
	status  Status
	data    T
	hasData bool
	err     error
	message string
}

// Success wraps fresh data.
func Success[T any](data T) Resource[T] {
	return Resource[T]{status: StatusSuccess, data: data, hasData: true}
}

// Loading signals a read in progress with no data yet.
func Loading[T any]() Resource[T] {
	return Resource[T]{status: StatusLoading}
}

// LoadingWith signals a read in progress while showing data.
func LoadingWith[T any](data T) Resource[T] {
	return Resource[T]{status: StatusLoading, data: data, hasData: true}
}

// Failure signals a failed read with no fallback data. An empty message
// is derived from err.
func Failure[T any](err error, message string) Resource[T] {
	if message == "" {
		message = errors.Message(err)
	}
	return Resource[T]{status: StatusError, err: err, message: message}
}

// FailureWith signals a failed read that still carries stale data.
func FailureWith[T any](err error, message string, data T) Resource[T] {
	r := Failure[T](err, message)
	r.data = data
	r.hasData = true
	return r
}

// Status returns the active tag.
func (r Resource[T]) Status() Status { return r.status }

// IsLoading reports whether the tag is Loading.
func (r Resource[T]) IsLoading() bool { return r.status == StatusLoading }

// IsSuccess reports whether the tag is Success.
func (r Resource[T]) IsSuccess() bool { return r.status == StatusSuccess }

// IsError reports whether the tag is Error.
func (r Resource[T]) IsError() bool { return r.status == StatusError }

// Value returns the carried data, if any.
func (r Resource[T]) Value() (T, bool) { return r.data, r.hasData }

// HasData reports whether data is carried.
func (r Resource[T]) HasData() bool { return r.hasData }

// Err returns the cause of an Error resource.
func (r Resource[T]) Err() error { return r.err }

// Message returns the user-facing message of an Error resource.
func (r Resource[T]) Message() string { return r.message }

// String returns a compact representation for logs
func (r Resource[T]) String() string {
	switch {
	case r.status == StatusError && r.hasData:
		return fmt.Sprintf("error(%s, %v)", r.message, r.data)
	case r.status == StatusError:
		return fmt.Sprintf("error(%s)", r.message)
	case r.hasData:
		return fmt.Sprintf("%s(%v)", r.status, r.data)
	default:
		return r.status.String() + "()"
	}
}

// Map converts the carried data while keeping the tag, cause and message.
func Map[T, U any](r Resource[T], fn func(T) U) Resource[U] {
	out := Resource[U]{status: r.status, hasData: r.hasData, err: r.err, message: r.message}
	if r.hasData {
		out.data = fn(r.data)
	}
	return out
}
