package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/Conclave/internal/domain"
)

// Error is a classified provider failure. Kind is one of domain.ErrRateLimited,
// domain.ErrTimeout, domain.ErrUnavailable or domain.ErrMalformed, so callers
// can match with errors.Is.
type Error struct {
	Provider   string
	Kind       error
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s: %v", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a classified error.
func NewError(providerID string, kind, err error) *Error {
	return &Error{Provider: providerID, Kind: kind, Err: err}
}

// Malformed reports a response that failed schema validation.
func Malformed(providerID string, err error) *Error {
	return NewError(providerID, domain.ErrMalformed, err)
}

// maxErrorBody bounds how much of an upstream error body ends up in messages.
const maxErrorBody = 256

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(providerID string, status int, header http.Header, body string) *Error {
	e := &Error{Provider: providerID, StatusCode: status}
	if body = strings.TrimSpace(body); body != "" {
		e.Err = errors.New(truncate(body, maxErrorBody))
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = domain.ErrRateLimited
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = domain.ErrTimeout
	default:
		e.Kind = domain.ErrUnavailable
	}
	return e
}

// FromTransport classifies an error returned before any response arrived.
func FromTransport(providerID string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(providerID, domain.ErrTimeout, err)
	}
	return NewError(providerID, domain.ErrUnavailable, err)
}

// Classify returns the classification sentinel of err, or nil if err is not
// a recognised provider failure.
func Classify(err error) error {
	for _, k := range []error{domain.ErrRateLimited, domain.ErrTimeout, domain.ErrUnavailable, domain.ErrMalformed} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// RetryAfterOf extracts the upstream retry hint from err.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
