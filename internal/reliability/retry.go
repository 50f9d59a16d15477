// Package reliability classifies transient failures and applies capped
// exponential backoff around retryable operations.
package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// transientError marks an error as worth retrying. Errors can opt in by
// implementing Retryable() bool.
type transientError interface {
	Retryable() bool
}

// Retryable reports whether err looks transient. Context cancellation is
// never retryable; deadline overruns and network hiccups are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te transientError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"rate limit",
		"too many requests",
		"service unavailable",
		"overloaded",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Backoff is a capped exponential backoff schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry attempt (attempt 0 is the
// first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Do runs fn up to attempts times, sleeping per the backoff schedule between
// tries. It stops early on success, on a non-retryable error, or when ctx is
// done.
func Do(ctx context.Context, attempts int, b Backoff, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(b.Delay(i - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
	}
	return err
}
