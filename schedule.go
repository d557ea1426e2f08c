package queuert

import "time"

// Schedule describes when a job becomes eligible for acquisition.
// AfterMs is relative to the moment the schedule is applied (job creation,
// reschedule, or continuation).
type Schedule struct {
	AfterMs int64
}

// At returns the absolute time this schedule resolves to, evaluated from now.
func (s Schedule) At(now time.Time) time.Time {
	if s.AfterMs <= 0 {
		return now
	}
	return now.Add(time.Duration(s.AfterMs) * time.Millisecond)
}

// RetryConfig is the exponential-backoff-with-cap policy applied to
// unexpected failures. delay = min(maxDelay, initialDelay * multiplier^(attempt-1)).
type RetryConfig struct {
	InitialDelayMs int64
	Multiplier     float64
	MaxDelayMs     int64
}

// DefaultRetryConfig is a 1s initial delay, doubling, capped at 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelayMs: 1000,
		Multiplier:     2.0,
		MaxDelayMs:     5 * 60 * 1000,
	}
}

// LeaseConfig controls how long an acquired job's lease runs before it is
// eligible for reaping, and how often the worker renews it.
type LeaseConfig struct {
	LeaseMs        int64
	RenewIntervalMs int64
}

// DefaultLeaseConfig gives a 30s lease renewed every 10s, comfortably
// inside the renewIntervalMs < leaseMs/2 safety margin spec §5 calls for.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		LeaseMs:         30_000,
		RenewIntervalMs: 10_000,
	}
}

// Validate returns an error unless both values are positive and
// renewIntervalMs is less than leaseMs. It does not enforce the stricter
// leaseMs/2 margin that DefaultLeaseConfig keeps to.
func (c LeaseConfig) Validate() error {
	if c.RenewIntervalMs <= 0 || c.LeaseMs <= 0 {
		return &JobTypeValidationError{Reason: "leaseMs and renewIntervalMs must be positive"}
	}
	if c.RenewIntervalMs >= c.LeaseMs {
		return &JobTypeValidationError{Reason: "renewIntervalMs must be less than leaseMs"}
	}
	return nil
}
