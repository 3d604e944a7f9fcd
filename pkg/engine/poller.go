package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PollPolicy bounds the polling of a long-running operation.
type PollPolicy struct {
	// InitialInterval is the wait before the second status check.
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`

	// MaxInterval caps every wait, jitter and server hints included.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`

	// MaxDuration is the deadline measured from the first status check.
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`

	// Multiplier grows the interval after every non-terminal check.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// JitterFraction adds up to this fraction of the interval.
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultPollPolicy is used for item create and update operations.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxDuration:     20 * time.Minute,
		Multiplier:      2,
		JitterFraction:  0.1,
	}
}

// EnvironmentPollPolicy is used while an environment publishes.
func EnvironmentPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 15 * time.Second,
		MaxInterval:     300 * time.Second,
		MaxDuration:     1200 * time.Second,
		Multiplier:      2,
		JitterFraction:  0.2,
	}
}

// Validate checks that the policy terminates and that its waits never shrink.
func (p PollPolicy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return NewValidationError("poll initial interval must be positive", nil)
	case p.MaxInterval < p.InitialInterval:
		return NewValidationError("poll max interval must not be below the initial interval", nil)
	case p.MaxDuration <= 0:
		return NewValidationError("poll max duration must be positive", nil)
	case p.JitterFraction < 0 || p.JitterFraction > 1:
		return NewValidationError(fmt.Sprintf("poll jitter fraction must be in [0,1], got %g", p.JitterFraction), nil)
	case p.Multiplier < 1+p.JitterFraction:
		return NewValidationError(
			fmt.Sprintf("poll multiplier %g must be at least 1 + jitter fraction %g", p.Multiplier, p.JitterFraction), nil)
	}
	return nil
}

// StatusFunc performs one status check. retryAfter is the server's hint
// for the next check, zero when none was given.
type StatusFunc func(ctx context.Context) (status OperationStatus, retryAfter time.Duration, err error)

// AsyncOperationPoller waits for long-running remote operations.
type AsyncOperationPoller struct {
	api     OperationAPI
	policy  PollPolicy
	clock   Clock
	jitter  jitterFunc
	logger  zerolog.Logger
	metrics Metrics
}

// PollerOption configures an AsyncOperationPoller.
type PollerOption func(*AsyncOperationPoller)

// WithPollerClock sets the clock used for waiting and for the deadline.
func WithPollerClock(c Clock) PollerOption {
	return func(p *AsyncOperationPoller) { p.clock = clockOrSystem(c) }
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l zerolog.Logger) PollerOption {
	return func(p *AsyncOperationPoller) { p.logger = l.With().Str("component", "poller").Logger() }
}

// WithPollerMetrics sets the metrics sink.
func WithPollerMetrics(m Metrics) PollerOption {
	return func(p *AsyncOperationPoller) { p.metrics = metricsOrNop(m) }
}

func withPollerJitter(j jitterFunc) PollerOption {
	return func(p *AsyncOperationPoller) { p.jitter = j }
}

// NewAsyncOperationPoller creates a poller reading operation state from api.
// An invalid policy is replaced by DefaultPollPolicy.
func NewAsyncOperationPoller(api OperationAPI, policy PollPolicy, opts ...PollerOption) *AsyncOperationPoller {
	if policy.Validate() != nil {
		policy = DefaultPollPolicy()
	}
	p := &AsyncOperationPoller{
		api:     api,
		policy:  policy,
		clock:   SystemClock{},
		jitter:  defaultJitter,
		logger:  zerolog.Nop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithPolicy returns a copy of the poller using policy.
func (p *AsyncOperationPoller) WithPolicy(policy PollPolicy) *AsyncOperationPoller {
	c := *p
	if policy.Validate() == nil {
		c.policy = policy
	}
	return &c
}

// Policy returns the effective policy.
func (p *AsyncOperationPoller) Policy() PollPolicy {
	return p.policy
}

// Poll waits until op reaches a terminal status. The operation's Status is
// updated with every observation. A Retry-After carried by op delays the
// first status check.
func (p *AsyncOperationPoller) Poll(ctx context.Context, op *Operation) (OperationStatus, error) {
	if op == nil {
		return "", NewValidationError("operation is nil", nil)
	}
	if op.Status.IsTerminal() {
		return op.Status, nil
	}

	ctx, span := otel.Tracer("wsdeploy/engine").Start(ctx, "poll_operation")
	defer span.End()
	span.SetAttributes(attribute.String("operation.handle", op.Handle))

	// The server's Retry-After also applies before the first check.
	hint := op.RetryAfter
	if hint > 0 {
		first := min(hint, p.policy.MaxInterval)
		if err := p.clock.Sleep(ctx, first); err != nil {
			return op.Status, err
		}
	}
	status, err := p.PollUntil(ctx, op.Handle, func(ctx context.Context) (OperationStatus, time.Duration, error) {
		state, err := p.api.GetOperationState(ctx, op)
		if err != nil {
			return "", 0, err
		}
		op.Status = state.Status
		if state.RetryAfter > 0 {
			hint = state.RetryAfter
		}
		if state.Status == OperationFailed && state.Error != "" {
			p.logger.Warn().Str("operation", op.Handle).Str("error", state.Error).Msg("Operation failed remotely")
		}
		return state.Status, hint, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return status, err
	}
	span.SetAttributes(attribute.String("operation.status", string(status)))
	return status, nil
}

// PollUntil calls check until it reports a terminal status or the policy's
// deadline passes. Transient check errors are logged and polling continues;
// any other error aborts.
func (p *AsyncOperationPoller) PollUntil(ctx context.Context, name string, check StatusFunc) (OperationStatus, error) {
	start := p.clock.Now()
	deadline := start.Add(p.policy.MaxDuration)

	interval := p.policy.InitialInterval
	var lastWait time.Duration
	last := OperationRunning

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		status, hint, err := check(ctx)
		switch {
		case err == nil:
			last = status
			p.metrics.RecordPollIteration(name, status)
			if status.IsTerminal() {
				p.logger.Debug().
					Str("operation", name).
					Str("status", string(status)).
					Int("iterations", iteration).
					Dur("elapsed", p.clock.Now().Sub(start)).
					Msg("Operation reached terminal status")
				return status, nil
			}
		case IsRetryable(err):
			p.logger.Warn().Err(err).Str("operation", name).Int("iteration", iteration).Msg("Status check failed, continuing")
			if h := retryAfterHint(err); h > hint {
				hint = h
			}
		default:
			return last, err
		}

		now := p.clock.Now()
		if !now.Before(deadline) {
			return last, p.timedOut(name, last, now.Sub(start))
		}

		wait := p.nextWait(interval, hint, lastWait)
		lastWait = wait
		interval = p.grow(interval)

		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return last, err
		}
	}
}

// nextWait combines the backoff interval, the server hint and jitter. Waits
// never shrink and never exceed MaxInterval.
func (p *AsyncOperationPoller) nextWait(interval, hint, previous time.Duration) time.Duration {
	wait := interval
	if hint > wait {
		wait = hint
	}
	if p.policy.JitterFraction > 0 {
		wait += time.Duration(p.jitter() * p.policy.JitterFraction * float64(interval))
	}
	if wait > p.policy.MaxInterval {
		wait = p.policy.MaxInterval
	}
	if wait < previous {
		wait = previous
	}
	return wait
}

func (p *AsyncOperationPoller) grow(interval time.Duration) time.Duration {
	next := time.Duration(float64(interval) * p.policy.Multiplier)
	if next > p.policy.MaxInterval || next < interval {
		return p.policy.MaxInterval
	}
	return next
}

func (p *AsyncOperationPoller) timedOut(name string, last OperationStatus, elapsed time.Duration) error {
	return NewPermanentError(
		fmt.Sprintf("operation did not finish within %s", p.policy.MaxDuration), nil).
		WithCode(ErrCodeOperationTimedOut).
		WithResource(name).
		WithOperation("poll").
		WithDetail("last_status", string(last)).
		WithDetail("elapsed", elapsed.String())
}
