package queuert

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustRegistry(t *testing.T, types map[string]TypeConfig) *JobTypeRegistry {
	t.Helper()
	r, err := NewJobTypeRegistry(types)
	if err != nil {
		t.Fatalf("NewJobTypeRegistry: %v", err)
	}
	return r
}

func TestRegistryValidateEntry(t *testing.T) {
	r := mustRegistry(t, map[string]TypeConfig{
		"main": {
			Entry: true,
			ParseInput: func(raw json.RawMessage) error {
				var v struct{ Token string }
				if err := json.Unmarshal(raw, &v); err != nil {
					return err
				}
				if v.Token == "" {
					return errors.New("token required")
				}
				return nil
			},
		},
		"worker_only": {Entry: false},
	})

	if err := r.ValidateEntry("main", json.RawMessage(`{"Token":"t"}`)); err != nil {
		t.Errorf("expected valid entry to pass, got %v", err)
	}

	var valErr *JobTypeValidationError
	if err := r.ValidateEntry("main", json.RawMessage(`{}`)); !errors.As(err, &valErr) {
		t.Errorf("expected JobTypeValidationError for bad input, got %v", err)
	}

	if err := r.ValidateEntry("worker_only", json.RawMessage(`{}`)); !errors.As(err, &valErr) {
		t.Errorf("expected JobTypeValidationError for non-entry type, got %v", err)
	}

	if err := r.ValidateEntry("unregistered", json.RawMessage(`{}`)); !errors.As(err, &valErr) {
		t.Errorf("expected JobTypeValidationError for unregistered type, got %v", err)
	}
}

func TestRegistryValidateBlockers(t *testing.T) {
	r := mustRegistry(t, map[string]TypeConfig{
		"main": {Entry: true, BlockerShape: &BlockerShape{MinBlockers: 1, MaxBlockers: 2}},
	})

	if err := r.ValidateBlockers("main", []string{"auth"}); err != nil {
		t.Errorf("one blocker should satisfy [1,2], got %v", err)
	}
	if err := r.ValidateBlockers("main", nil); err == nil {
		t.Errorf("zero blockers should violate MinBlockers=1")
	}
	if err := r.ValidateBlockers("main", []string{"a", "b", "c"}); err == nil {
		t.Errorf("three blockers should violate MaxBlockers=2")
	}
}

func TestRegistryValidateContinueWith(t *testing.T) {
	r := mustRegistry(t, map[string]TypeConfig{
		"linear":      {Entry: true, ContinuationTarget: "linear_next"},
		"linear_next": {},
		"other":       {},
	})

	if err := r.ValidateContinueWith("linear", "linear_next", json.RawMessage(`{}`)); err != nil {
		t.Errorf("declared continuation target should be accepted, got %v", err)
	}
	if err := r.ValidateContinueWith("linear", "other", json.RawMessage(`{}`)); err == nil {
		t.Errorf("continuation to an undeclared target should fail")
	}
}

func TestRegistryDefaultsApplied(t *testing.T) {
	r := mustRegistry(t, map[string]TypeConfig{"t": {Entry: true}})
	cfg, ok := r.Lookup("t")
	if !ok {
		t.Fatalf("expected type to be registered")
	}
	if cfg.RetryConfig != DefaultRetryConfig() {
		t.Errorf("expected default retry config, got %+v", cfg.RetryConfig)
	}
	if cfg.LeaseConfig != DefaultLeaseConfig() {
		t.Errorf("expected default lease config, got %+v", cfg.LeaseConfig)
	}
}

func TestRegistryRejectsInvalidLeaseConfig(t *testing.T) {
	_, err := NewJobTypeRegistry(map[string]TypeConfig{
		"bad": {Entry: true, LeaseConfig: LeaseConfig{LeaseMs: 100, RenewIntervalMs: 100}},
	})
	if err == nil {
		t.Fatalf("expected error for renewIntervalMs >= leaseMs")
	}
}
