// Package apperr classifies failures so callers can decide between retrying,
// skipping an item, aborting an account run, or surfacing a re-auth prompt.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Kind is the category of a failure.
type Kind int

const (
	// KindUnknown is anything not classified below. It is never retried.
	KindUnknown Kind = iota
	// KindTransient covers network errors and timeouts.
	KindTransient
	// KindAuth means the credential is no longer usable.
	KindAuth
	// KindRateLimit means the upstream asked us to slow down.
	KindRateLimit
	// KindValidation means an upstream payload was malformed.
	KindValidation
	// KindPersistence means a database write or transaction failed.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// ErrReauthRequired is returned when a refresh token has been rejected and the
// user has to go through the login flow again.
var ErrReauthRequired = errors.New("re-authentication required")

// Error is a classified error.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration // only meaningful for KindRateLimit
	Err        error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable network-level failure.
func Transient(op string, err error) error { return New(KindTransient, op, err) }

// Auth wraps err as a credential failure.
func Auth(op string, err error) error { return New(KindAuth, op, err) }

// Validation wraps err as a malformed upstream payload.
func Validation(op string, err error) error { return New(KindValidation, op, err) }

// Persistence wraps err as a storage failure.
func Persistence(op string, err error) error { return New(KindPersistence, op, err) }

// RateLimited wraps err as a rate limit response with an optional server-provided delay.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRateLimit, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf classifies err. Explicitly classified errors win; otherwise network
// timeouts and url errors are transient and everything else is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	}
	if errors.Is(err, ErrReauthRequired) {
		return KindAuth
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindTransient
	}
	return KindUnknown
}

// RetryAfterOf returns the server-provided delay of a rate limit error, if any.
func RetryAfterOf(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) && classified.Kind == KindRateLimit {
		return classified.RetryAfter
	}
	return 0
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
