// Package retry wraps bounded, randomized exponential backoff for transient
// I/O failures. Network and storage calls (SFTP, object storage, gateway) are
// retried a fixed number of attempts; deterministic failures such as parse
// errors must be marked permanent so they are never retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAttempts is the total number of attempts (first call + retries).
const DefaultAttempts = 3

// DefaultMaxInterval caps the randomized backoff between attempts.
const DefaultMaxInterval = 60 * time.Second

// Option configures a retry loop.
type Option func(*settings)

type settings struct {
	attempts        uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

// WithAttempts overrides the total attempt count.
func WithAttempts(n uint64) Option {
	return func(s *settings) { s.attempts = n }
}

// WithInitialInterval overrides the first backoff interval.
func WithInitialInterval(d time.Duration) Option {
	return func(s *settings) { s.initialInterval = d }
}

// WithMaxInterval overrides the backoff cap.
func WithMaxInterval(d time.Duration) Option {
	return func(s *settings) { s.maxInterval = d }
}

// Permanent marks err as non-retryable. Do returns it immediately without
// consuming further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do invokes fn until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. Backoff between attempts is randomized exponential,
// capped at the configured max interval. Context cancellation stops the loop.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	s := settings{
		attempts:        DefaultAttempts,
		initialInterval: backoff.DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
	}
	for _, o := range opts {
		o(&s)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = s.maxInterval

	var policy backoff.BackOff = b
	if s.attempts > 0 {
		policy = backoff.WithMaxRetries(b, s.attempts-1)
	}
	return backoff.Retry(fn, backoff.WithContext(policy, ctx))
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
