// Package retry provides the shared failure-classification and backoff
// utilities used around the upload pipeline.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// IsTransient reports whether the error belongs to the connectivity/timeout
// class that a later attempt can reasonably expect to succeed on. Everything
// else (serialization, auth rejection, server-side rejection) is permanent
// for the current cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH, syscall.EHOSTUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Backoff describes an exponential backoff schedule with jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds randomness to each delay (0.0 to 1.0).
	Jitter float64
}

// DefaultBackoff returns the schedule used between retry attempts of a cycle.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    30 * time.Second,
		Max:        30 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Delay computes the wait before the given attempt, 0-indexed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if max := float64(b.Max); delay > max {
		delay = max
	}
	if b.Jitter > 0 {
		delay += delay * b.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Run invokes op, re-invoking it on the backoff schedule as long as it asks
// for a retry, up to maxAttempts invocations or context cancellation.
func Run(ctx context.Context, backoff Backoff, maxAttempts int, op func(context.Context) bool) {
	for attempt := 0; ; attempt++ {
		if !op(ctx) {
			return
		}
		if attempt >= maxAttempts-1 {
			return
		}
		timer := time.NewTimer(backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
