package retry

import (
	"context"
	"errors"
	"time"
)

// Func is a function that can be retried.
type Func func(ctx context.Context) error

// DelayFunc returns a per-call delay generator. Each retry loop gets its
// own generator so concurrent callers do not share backoff state.
type DelayFunc func() func() time.Duration

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not worth retrying. Do returns it
// immediately, unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type config struct {
	maxAttempts int
	delayFunc   DelayFunc
}

// Option configures the retrier.
type Option func(*config)

// WithMaxAttempts sets the maximum number of attempts.
// The default is 3.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}

// WithDelayFunc sets the function which will return the wait duration
// before every next attempt. The default doubles a 150ms base.
func WithDelayFunc(d DelayFunc) Option {
	return func(c *config) {
		c.delayFunc = d
	}
}

// Do runs fn until it succeeds, returns a Permanent error, exhausts the
// attempt budget, or ctx is cancelled.
func Do(ctx context.Context, fn Func, opts ...Option) error {
	cfg := &config{
		maxAttempts: 3,
		delayFunc: func() func() time.Duration {
			base := 150 * time.Millisecond
			attempt := 0
			return func() time.Duration {
				delay := base << attempt
				attempt++
				return delay
			}
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	df := cfg.delayFunc()
	for attempt := range cfg.maxAttempts {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == cfg.maxAttempts-1 {
			break
		}

		timer := time.NewTimer(df())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
