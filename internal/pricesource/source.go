// Package pricesource fetches token price history and classifies its failures.
package pricesource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dyor-hub-verifier/internal/domain"
)

// Source supplies price samples for a token over [from, to].
// Returned series may be unordered and may contain points outside the range;
// callers normalize before evaluating.
type Source interface {
	GetPriceSeries(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error)
}

// Kind classifies a Source failure.
type Kind int

// Failure kinds. The zero value is Transient.
const (
	KindTransient Kind = iota
	KindRateLimited
	KindNoData
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNoData:
		return "no_data"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Sentinel errors, one per Kind. *Error matches the sentinel of its Kind.
var (
	ErrTransient   = errors.New("price source transient failure")
	ErrRateLimited = errors.New("price source rate limited")
	ErrNoData      = errors.New("price source has no data")
	ErrFatal       = errors.New("price source fatal failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindNoData:
		return ErrNoData
	case KindFatal:
		return ErrFatal
	default:
		return ErrTransient
	}
}

// Error is a classified Source failure.
type Error struct {
	Kind       Kind
	Op         string
	TokenID    string
	StatusCode int           // HTTP status, 0 if none
	RetryAfter time.Duration // server hint for RateLimited, 0 if none
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.TokenID, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf classifies any error returned by a Source.
// Unclassified errors, deadlines and network failures are Transient.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNoData):
		return KindNoData
	case errors.Is(err, ErrFatal):
		return KindFatal
	}
	return KindTransient
}

// RetryAfter returns the server retry hint carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
