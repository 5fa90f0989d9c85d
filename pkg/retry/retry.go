package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) IsRetryable() bool {
	return true
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func NewRetryableError(err error) RetryableError {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

type FatalError interface {
	error
	IsFatal() bool
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) IsFatal() bool {
	return true
}

func (e *fatalError) Unwrap() error {
	return e.err
}

func NewFatalError(err error) FatalError {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	Jitter          float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// NotifyFunc is called after a failed attempt that will be retried, with
// the delay before the next one.
type NotifyFunc func(attempt int, err error, nextDelay time.Duration)

type options struct {
	timer  backoff.Timer
	notify NotifyFunc
}

type Option func(*options)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(o *options) {
		o.timer = t
	}
}

func WithNotify(fn NotifyFunc) Option {
	return func(o *options) {
		o.notify = fn
	}
}

// Do calls fn until it succeeds, returns a FatalError, the policy runs out of
// attempts, or ctx is done. Attempts are strictly sequential. It returns the
// number of attempts made and the last error.
func Do(ctx context.Context, policy Policy, fn func(attempt int) error, opts ...Option) (int, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var b backoff.BackOff = ExponentialBackoff(policy)
	b = backoff.WithContext(b, ctx)
	b = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(attempt)
		if err == nil {
			return nil
		}

		var fatalErr FatalError
		if errors.As(err, &fatalErr) {
			return backoff.Permanent(err)
		}

		return err
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, next time.Duration) {
			o.notify(attempt, err, next)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, o.timer)
	return attempt, err
}

// Retry is Do without attempt bookkeeping.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	_, err := Do(ctx, policy, func(int) error { return fn() })
	return err
}
