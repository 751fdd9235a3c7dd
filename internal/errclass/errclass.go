// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package errclass classifies pipeline errors so every stage applies the
// same recovery policy:
//
//   - Transient: retry with backoff and jitter, capped attempts
//   - RateLimited: sleep the advised interval, no retry counter increment
//   - SchemaInvalid: immediate DLQ
//   - NotFound: terminal skip, downstream event published with reason
//   - QuotaExhausted: terminal skip for this pass, pipeline continues
//   - Conflict: unique index hit, treated as success on re-run
//   - Fatal: programmer error or broken invariant; the worker crashes and
//     the supervisor restarts it
package errclass

import (
	"errors"
	"fmt"
	"time"
)

// Class identifies a recovery policy for an error.
type Class int

const (
	// Unknown is the zero class for unclassified errors; stages treat it
	// as Transient.
	Unknown Class = iota
	// Transient marks network failures, 5xx responses, and unreachable
	// coordinators.
	Transient
	// RateLimited marks 429 responses and provider floodwaits.
	RateLimited
	// SchemaInvalid marks malformed events and provider responses of the
	// wrong shape.
	SchemaInvalid
	// NotFound marks deleted posts and gone channels.
	NotFound
	// QuotaExhausted marks tenant storage or provider budget exhaustion.
	QuotaExhausted
	// Conflict marks unique-index violations on idempotent re-runs.
	Conflict
	// Fatal marks broken invariants. Never recovered.
	Fatal
)

// String returns the label used in logs and metrics.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case SchemaInvalid:
		return "schema_invalid"
	case NotFound:
		return "not_found"
	case QuotaExhausted:
		return "quota_exhausted"
	case Conflict:
		return "conflict"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a class alongside the wrapped cause.
type Error struct {
	Class Class
	Msg   string
	Cause error

	// RetryAfter is the provider-advised wait for RateLimited errors.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error without a cause.
func New(class Class, msg string) *Error {
	return &Error{Class: class, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a class to an existing error.
func Wrap(class Class, cause error, format string, args ...interface{}) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// RateLimitedFor creates a RateLimited error with the advised wait.
func RateLimitedFor(wait time.Duration, format string, args ...interface{}) *Error {
	return &Error{Class: RateLimited, Msg: fmt.Sprintf(format, args...), RetryAfter: wait}
}

// Of returns the class of err, walking the wrap chain.
// Unclassified errors report Unknown.
func Of(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Unknown
}

// Is reports whether err carries the given class.
func Is(err error, class Class) bool {
	return Of(err) == class
}

// Retryable reports whether the stage retry policy applies to err.
// Unknown errors are retried so transient failures of unclassified code
// paths are not dropped.
func Retryable(err error) bool {
	switch Of(err) {
	case Transient, RateLimited, Unknown:
		return true
	default:
		return false
	}
}

// AdvisedWait returns the provider-advised wait for RateLimited errors,
// or zero when none applies.
func AdvisedWait(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) && ce.Class == RateLimited {
		return ce.RetryAfter
	}
	return 0
}
