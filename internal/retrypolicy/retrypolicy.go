// Package retrypolicy turns a queuert.RetryConfig into a cenkalti/backoff/v4
// clock, so the reaper/worker use a well-exercised backoff implementation
// for the exponential-backoff-with-cap policy (spec §7) instead of
// reimplementing initial*multiplier^(attempt-1) math by hand.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/riverforge/queuert"
)

// DelayForAttempt returns how long to wait before attempt (1-indexed)
// should be retried, per cfg's initial delay, multiplier, and cap.
func DelayForAttempt(cfg queuert.RetryConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.InitialDelayMs) * time.Millisecond
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	b.MaxElapsedTime = 0 // unbounded: the caller decides when to stop retrying, not backoff itself
	b.RandomizationFactor = 0
	b.Reset()

	// NextBackOff's first call after Reset returns InitialInterval, then
	// multiplies on every subsequent call: the n-th call yields
	// initial*multiplier^(n-1). attempt is 1-indexed, so calling it attempt
	// times and taking the last gives exactly initial*multiplier^(attempt-1).
	n := attempt
	if n < 1 {
		n = 1
	}
	var delay time.Duration
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	if b.MaxInterval > 0 && delay > b.MaxInterval {
		delay = b.MaxInterval
	}
	return delay
}

// ScheduleForAttempt is DelayForAttempt expressed as a queuert.Schedule,
// the unit rescheduleJob and the worker's failure path actually consume.
func ScheduleForAttempt(cfg queuert.RetryConfig, attempt int) queuert.Schedule {
	return queuert.Schedule{AfterMs: DelayForAttempt(cfg, attempt).Milliseconds()}
}
