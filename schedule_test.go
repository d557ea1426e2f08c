package queuert

import (
	"testing"
	"time"
)

func TestScheduleAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		s    Schedule
		want time.Time
	}{
		{"zero", Schedule{}, now},
		{"negative treated as immediate", Schedule{AfterMs: -5}, now},
		{"delayed", Schedule{AfterMs: 1500}, now.Add(1500 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.At(now); !got.Equal(tt.want) {
				t.Errorf("At() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeaseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LeaseConfig
		wantErr bool
	}{
		{"valid", LeaseConfig{LeaseMs: 30000, RenewIntervalMs: 10000}, false},
		{"renew equal to lease", LeaseConfig{LeaseMs: 1000, RenewIntervalMs: 1000}, true},
		{"renew greater than lease", LeaseConfig{LeaseMs: 1000, RenewIntervalMs: 2000}, true},
		{"zero lease", LeaseConfig{LeaseMs: 0, RenewIntervalMs: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultLeaseConfigRespectsMargin(t *testing.T) {
	cfg := DefaultLeaseConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default lease config invalid: %v", err)
	}
	if cfg.RenewIntervalMs >= cfg.LeaseMs/2 {
		t.Errorf("renewIntervalMs %d should be comfortably under half of leaseMs %d", cfg.RenewIntervalMs, cfg.LeaseMs)
	}
}
