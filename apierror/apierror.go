// Package apierror defines the failure taxonomy shared by every stage of the
// request pipeline and the mapping from a failure to its public code, HTTP
// status, message and log level.
//
// Stages and handlers return *Error values (or plain errors, which classify
// as unknown); only the error terminator turns them into HTTP responses.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind is the top-level classification of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindCSRF
	KindRateLimit
	KindForbidden
	KindNotFound
	KindConflict
	KindInfra
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindValidation: "validation",
	KindAuth:       "auth",
	KindCSRF:       "csrf",
	KindRateLimit:  "rate_limit",
	KindForbidden:  "forbidden",
	KindNotFound:   "not_found",
	KindConflict:   "conflict",
	KindInfra:      "infra",
	KindCanceled:   "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Reason refines auth and infra failures.
type Reason string

const (
	ReasonMissing        Reason = "missing"
	ReasonExpired        Reason = "expired"
	ReasonRevoked        Reason = "revoked"
	ReasonMalformed      Reason = "malformed"
	ReasonMismatched     Reason = "mismatched"
	ReasonSignature      Reason = "signature-invalid"
	ReasonDeviceMismatch Reason = "device-mismatch"
	ReasonAPIKey         Reason = "api-key"
	ReasonSecondFactor   Reason = "second-factor"
	ReasonCredentials    Reason = "credentials"

	ReasonTimeout     Reason = "timeout"
	ReasonUnreachable Reason = "unreachable"
	ReasonDegraded    Reason = "degraded"
)

// Public error codes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeAuthInvalid  = "AUTH_INVALID"
	CodeAuthExpired  = "AUTH_EXPIRED"
	CodeCSRF         = "CSRF_FAILED"
	CodeRateLimit    = "RATE_LIMIT_EXCEEDED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeUnavailable  = "DEPENDENCY_UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

// StatusClientClosed is recorded for requests whose client went away. It is
// never written to the wire.
const StatusClientClosed = 499

// Error is a categorized failure. Detail is internal context for logs and is
// never sent to clients.
type Error struct {
	Kind       Kind
	Reason     Reason
	Detail     string
	Fields     map[string]string
	RetryAfter time.Duration
	// Status overrides the status derived from Kind (413, 415, 405, 504).
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += "(" + string(e.Reason) + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and, when set on the target, reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// WithStatus returns a copy of e carrying a status override.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

// Code returns the public symbolic code.
func (e *Error) Code() string {
	switch e.Kind {
	case KindValidation:
		return CodeValidation
	case KindAuth:
		switch e.Reason {
		case ReasonMissing:
			return CodeAuthRequired
		case ReasonExpired:
			return CodeAuthExpired
		default:
			return CodeAuthInvalid
		}
	case KindCSRF:
		return CodeCSRF
	case KindRateLimit:
		return CodeRateLimit
	case KindForbidden:
		return CodeForbidden
	case KindNotFound:
		return CodeNotFound
	case KindConflict:
		return CodeConflict
	case KindInfra:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the status the terminator emits.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindCSRF, KindForbidden:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInfra:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return StatusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the stable, human readable phrase for the envelope.
func (e *Error) Message() string {
	switch e.Kind {
	case KindValidation:
		switch e.Status {
		case http.StatusRequestEntityTooLarge:
			return "Request body too large"
		case http.StatusUnsupportedMediaType:
			return "Unsupported media type"
		}
		return "Request validation failed"
	case KindAuth:
		return "Authentication required"
	case KindCSRF:
		return "CSRF token missing or invalid"
	case KindRateLimit:
		return "Too many requests"
	case KindForbidden:
		return "Access denied"
	case KindNotFound:
		if e.Status == http.StatusMethodNotAllowed {
			return "Method not allowed"
		}
		return "Resource not found"
	case KindConflict:
		return "Resource conflict"
	case KindInfra:
		if e.Status == http.StatusGatewayTimeout {
			return "Request timed out"
		}
		return "Service temporarily unavailable"
	case KindCanceled:
		return "Request canceled"
	default:
		return "Internal server error"
	}
}

// LogLevel is the level at which the terminator records the failure.
func (e *Error) LogLevel() slog.Level {
	switch e.Kind {
	case KindInfra, KindUnknown:
		return slog.LevelError
	case KindAuth, KindCSRF, KindRateLimit, KindForbidden:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Retryable reports whether clients may safely retry.
func (e *Error) Retryable() bool {
	if e.Kind == KindRateLimit {
		return true
	}
	return e.Kind == KindInfra && (e.Reason == ReasonTimeout || e.Reason == ReasonUnreachable)
}

// Validation reports invalid input. fields maps field names to messages.
func Validation(detail string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Detail: detail, Fields: fields}
}

// Auth reports a failed or absent authentication.
func Auth(reason Reason, cause error) *Error {
	return &Error{Kind: KindAuth, Reason: reason, Err: cause}
}

// CSRF reports a failed anti-forgery check.
func CSRF(detail string) *Error {
	return &Error{Kind: KindCSRF, Detail: detail}
}

// RateLimited reports an exhausted bucket.
func RateLimited(bucket string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Detail: "bucket " + bucket, RetryAfter: retryAfter}
}

// Forbidden reports an authenticated principal lacking permission.
func Forbidden(detail string) *Error {
	return &Error{Kind: KindForbidden, Detail: detail}
}

// NotFound reports a missing resource or route.
func NotFound(detail string) *Error {
	return &Error{Kind: KindNotFound, Detail: detail}
}

// Conflict reports a state conflict.
func Conflict(detail string) *Error {
	return &Error{Kind: KindConflict, Detail: detail}
}

// Infra reports a dependency failure.
func Infra(reason Reason, cause error) *Error {
	return &Error{Kind: KindInfra, Reason: reason, Err: cause}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindUnknown, Err: cause}
}

// Canceled reports that the client went away.
func Canceled(cause error) *Error {
	return &Error{Kind: KindCanceled, Err: cause}
}

// As classifies any error. Context cancellation maps to canceled, deadline
// expiry to an infra timeout, and unrecognized errors to unknown.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Canceled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Infra(ReasonTimeout, err)
	}
	return Internal(err)
}

// IsKind reports whether err classifies as k.
func IsKind(err error, k Kind) bool {
	e := As(err)
	return e != nil && e.Kind == k
}

// Fieldf is a small helper for single-field validation failures.
func Fieldf(field, format string, args ...any) *Error {
	return Validation("invalid "+field, map[string]string{field: fmt.Sprintf(format, args...)})
}
