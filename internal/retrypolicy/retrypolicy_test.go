package retrypolicy

import (
	"testing"

	"github.com/riverforge/queuert"
)

func TestDelayForAttemptGrowsAndCaps(t *testing.T) {
	cfg := queuert.RetryConfig{InitialDelayMs: 1000, Multiplier: 2.0, MaxDelayMs: 5000}

	got1 := DelayForAttempt(cfg, 1).Milliseconds()
	if got1 != 1000 {
		t.Errorf("attempt 1 delay = %d, want 1000", got1)
	}

	got2 := DelayForAttempt(cfg, 2).Milliseconds()
	if got2 != 2000 {
		t.Errorf("attempt 2 delay = %d, want 2000", got2)
	}

	got3 := DelayForAttempt(cfg, 3).Milliseconds()
	if got3 != 4000 {
		t.Errorf("attempt 3 delay = %d, want 4000", got3)
	}

	// attempt 4 would uncapped be 8000ms; MaxDelayMs caps it at 5000.
	got4 := DelayForAttempt(cfg, 4).Milliseconds()
	if got4 != 5000 {
		t.Errorf("attempt 4 delay = %d, want capped at 5000", got4)
	}
}

func TestScheduleForAttemptWrapsDelay(t *testing.T) {
	cfg := queuert.RetryConfig{InitialDelayMs: 500, Multiplier: 1.0, MaxDelayMs: 10000}
	s := ScheduleForAttempt(cfg, 1)
	if s.AfterMs != 500 {
		t.Errorf("AfterMs = %d, want 500", s.AfterMs)
	}
}
