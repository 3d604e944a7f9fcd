package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitterFunc returns a value in [0, 1).
type jitterFunc func() float64

func defaultJitter() float64 {
	return rand.Float64()
}

// nopMetrics discards every measurement.
type nopMetrics struct{}

func (nopMetrics) RecordRun(string, time.Duration) {}
func (nopMetrics) RecordRemoteCall(string, string, time.Duration) {}
func (nopMetrics) RecordRetry(string, ErrorClass) {}
func (nopMetrics) RecordPollIteration(string, OperationStatus) {}
func (nopMetrics) RecordArtifact(string, string, string, time.Duration) {}
func (nopMetrics) RecordDeletion(string, int) {}
func (nopMetrics) RecordError(string, string) {}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics {
	return nopMetrics{}
}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func clockOrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}
