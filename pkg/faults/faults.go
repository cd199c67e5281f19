// Package faults defines the error taxonomy shared by every component.
//
// Components classify failures into a small closed set of kinds so retry,
// fallback, and surface decisions are made on the kind, never on provider
// error strings. Kinds wrap an underlying cause and stay inspectable
// through errors.Is / errors.As chains.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable error classification code. The string value is what
// appears in the HTTP error envelope and in job error logs.
type Kind string

const (
	InvalidTenant       Kind = "InvalidTenant"
	InvalidQuery        Kind = "InvalidQuery"
	MissingTenantFilter Kind = "MissingTenantFilter"
	TenantLeak          Kind = "TenantLeak"
	RateLimited         Kind = "RateLimited"
	TransientNetwork    Kind = "TransientNetwork"
	AuthFailure         Kind = "AuthFailure"
	LLMUnavailable      Kind = "LLMUnavailable"
	QualityBelowMin     Kind = "QualityBelowThreshold"
	UpstreamTimeout     Kind = "UpstreamTimeout"
	ValidationFailure   Kind = "ValidationFailure"
	Cancelled           Kind = "Cancelled"
	NotFound            Kind = "NotFound"
	Internal            Kind = "Internal"
)

// Error carries a kind plus an operator-oriented message and optional
// cause. Messages never contain tenant content.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfterSeconds carries a server-indicated wait for RateLimited.
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, or Internal if the error
// carries no classification. Context cancellation and deadline errors are
// mapped to Cancelled / UpstreamTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout
	}
	return Internal
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// Retryable reports whether an error kind is recoverable with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case RateLimited, TransientNetwork, UpstreamTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the response status used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidTenant, InvalidQuery, ValidationFailure:
		return 400
	case AuthFailure:
		return 401
	case NotFound:
		return 404
	case RateLimited:
		return 429
	case MissingTenantFilter, TenantLeak, Internal:
		return 500
	case LLMUnavailable, TransientNetwork, UpstreamTimeout:
		return 503
	case Cancelled:
		return 499
	}
	return 500
}
