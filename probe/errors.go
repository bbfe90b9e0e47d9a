package probe

import (
	"errors"
	"net/http"
)

// Kind classifies a probe failure.
type Kind string

const (
	KindTimeout    Kind = "TIMEOUT"
	KindConnection Kind = "CONNECTION"
	KindAuth       Kind = "AUTH"
	KindConfig     Kind = "CONFIG"
	KindHTTP       Kind = "HTTP"
)

// Error is a classified probe failure. Kind determines whether the caller
// may retry; StatusCode is set only for KindHTTP.
type Error struct {
	Kind       Kind
	StatusCode int
	err        error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether the failure is worth another attempt.
// Timeouts and connection faults are transient; auth and config faults are
// permanent. HTTP failures retry only on 429 and 5xx.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection:
		return true
	case KindHTTP:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// NewError wraps err with a classification. err must be non-nil.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

// NewHTTPError wraps err as an HTTP failure with the response status.
func NewHTTPError(status int, err error) *Error {
	return &Error{Kind: KindHTTP, StatusCode: status, err: err}
}

// IsRetryable returns true if err is a probe error that should be retried.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// KindOf returns the classification of err, or an empty Kind for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
