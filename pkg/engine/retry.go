package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how often and how slowly a remote call is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// Multiplier grows the delay after every failed attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// MaxDelay caps the un-jittered delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// JitterFraction adds up to this fraction of the delay, uniformly.
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultRetryPolicy returns the policy used for platform calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      2 * time.Second,
		Multiplier:     2,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.25,
	}
}

// Validate checks the policy for values that would never terminate or never wait.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return NewValidationError(fmt.Sprintf("retry max attempts must be at least 1, got %d", p.MaxAttempts), nil)
	case p.BaseDelay < 0:
		return NewValidationError("retry base delay must not be negative", nil)
	case p.Multiplier < 1:
		return NewValidationError(fmt.Sprintf("retry multiplier must be at least 1, got %g", p.Multiplier), nil)
	case p.MaxDelay < p.BaseDelay:
		return NewValidationError("retry max delay must not be below the base delay", nil)
	case p.JitterFraction < 0 || p.JitterFraction > 1:
		return NewValidationError(fmt.Sprintf("retry jitter fraction must be in [0,1], got %g", p.JitterFraction), nil)
	}
	return nil
}

// newBackOff returns the un-jittered delay schedule of the policy.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Schedule returns the un-jittered delays between consecutive attempts.
func (p RetryPolicy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.newBackOff()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// RetryExecutor runs remote calls and retries those failing with a
// transient or throttled error.
type RetryExecutor struct {
	policy  RetryPolicy
	clock   Clock
	jitter  jitterFunc
	logger  zerolog.Logger
	metrics Metrics
}

// RetryOption configures a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithRetryClock sets the clock used for waiting between attempts.
func WithRetryClock(c Clock) RetryOption {
	return func(r *RetryExecutor) { r.clock = clockOrSystem(c) }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l zerolog.Logger) RetryOption {
	return func(r *RetryExecutor) { r.logger = l.With().Str("component", "retry").Logger() }
}

// WithRetryMetrics sets the metrics sink.
func WithRetryMetrics(m Metrics) RetryOption {
	return func(r *RetryExecutor) { r.metrics = metricsOrNop(m) }
}

func withRetryJitter(j jitterFunc) RetryOption {
	return func(r *RetryExecutor) { r.jitter = j }
}

// NewRetryExecutor creates a retry executor. An invalid policy is replaced
// by DefaultRetryPolicy.
func NewRetryExecutor(policy RetryPolicy, opts ...RetryOption) *RetryExecutor {
	if policy.Validate() != nil {
		policy = DefaultRetryPolicy()
	}
	r := &RetryExecutor{
		policy:  policy,
		clock:   SystemClock{},
		jitter:  defaultJitter,
		logger:  zerolog.Nop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *RetryExecutor) Policy() RetryPolicy {
	return r.policy
}

// Do runs fn until it succeeds, fails with a non-retryable error or the
// attempts are exhausted. Exhaustion returns *RetryExhaustedError.
func (r *RetryExecutor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is Do for calls that return a value.
func Retry[T any](ctx context.Context, r *RetryExecutor, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	b := r.policy.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		r.metrics.RecordRetry(name, ClassOf(err))

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.nextDelay(b, err)
		r.logger.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying remote call")

		if err := r.clock.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &RetryExhaustedError{
		Operation: name,
		Attempts:  r.policy.MaxAttempts,
		Err:       lastErr,
	}
}

// nextDelay advances the schedule and applies jitter and the throttling hint.
func (r *RetryExecutor) nextDelay(b *backoff.ExponentialBackOff, err error) time.Duration {
	delay := b.NextBackOff()
	if r.policy.JitterFraction > 0 {
		delay += time.Duration(r.jitter() * r.policy.JitterFraction * float64(delay))
	}
	if hint := retryAfterHint(err); hint > delay {
		delay = hint
	}
	return delay
}
