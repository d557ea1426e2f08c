package queuert

import (
	"encoding/json"
	"fmt"
)

// Validator parses/validates an opaque JSON value for a job type. Returning
// an error fails the call with a *JobTypeValidationError.
type Validator func(raw json.RawMessage) error

// BlockerShape describes how many blocker chains a job type requires and
// lets the registry reject invalid continuations/start calls inside their
// transaction, before it commits.
type BlockerShape struct {
	// MinBlockers is the minimum number of blocker chains a job of this
	// type must be started with. Zero means blockers are optional.
	MinBlockers int
	// MaxBlockers caps the number of blocker chains; zero means unbounded.
	MaxBlockers int
}

func (b BlockerShape) validate(n int) error {
	if n < b.MinBlockers {
		return fmt.Errorf("requires at least %d blocker(s), got %d", b.MinBlockers, n)
	}
	if b.MaxBlockers > 0 && n > b.MaxBlockers {
		return fmt.Errorf("allows at most %d blocker(s), got %d", b.MaxBlockers, n)
	}
	return nil
}

// TypeConfig is the per-typeName metadata held by the JobTypeRegistry
// (spec §4.2).
type TypeConfig struct {
	// Entry marks this type as a valid target of StartJobChain.
	Entry bool

	ParseInput          Validator
	ParseOutput         Validator
	ValidateContinueWith func(targetType string) error
	ValidateBlockers     func(blockerChainTypeNames []string) error
	ValidateEntry        func(input json.RawMessage) error

	RetryConfig RetryConfig
	LeaseConfig LeaseConfig

	// ContinuationTarget, if set, is the only typeName this type's
	// processor may continueWith to. Empty means unconstrained.
	ContinuationTarget string
	// BlockerShape, if set, constrains how many blockers StartJobChain and
	// ContinueWith may attach to a job of this type.
	BlockerShape *BlockerShape

	// Processor is the user function dispatched by the worker loop for
	// this type. It is optional on the registry used by a client-only
	// process (one that starts chains but never runs workers for this
	// type) but required for any type a Worker is configured to own.
	Processor ProcessorFunc
}

// JobTypeRegistry holds per-typeName metadata: entry flag, validators,
// retry/lease policy, and declared continuation/blocker shape (spec §4.2).
type JobTypeRegistry struct {
	types map[string]TypeConfig
}

// NewJobTypeRegistry builds a registry from a typeName -> TypeConfig map,
// filling in sensible defaults for any zero-valued RetryConfig/LeaseConfig.
func NewJobTypeRegistry(types map[string]TypeConfig) (*JobTypeRegistry, error) {
	r := &JobTypeRegistry{types: make(map[string]TypeConfig, len(types))}
	for name, cfg := range types {
		if cfg.RetryConfig == (RetryConfig{}) {
			cfg.RetryConfig = DefaultRetryConfig()
		}
		if cfg.LeaseConfig == (LeaseConfig{}) {
			cfg.LeaseConfig = DefaultLeaseConfig()
		}
		if err := cfg.LeaseConfig.Validate(); err != nil {
			return nil, fmt.Errorf("type %q: %w", name, err)
		}
		r.types[name] = cfg
	}
	return r, nil
}

// Lookup returns the TypeConfig for typeName, or false if it is unregistered.
func (r *JobTypeRegistry) Lookup(typeName string) (TypeConfig, bool) {
	cfg, ok := r.types[typeName]
	return cfg, ok
}

// MustLookup returns the TypeConfig for typeName or a *JobTypeValidationError.
func (r *JobTypeRegistry) MustLookup(typeName string) (TypeConfig, error) {
	cfg, ok := r.types[typeName]
	if !ok {
		return TypeConfig{}, &JobTypeValidationError{TypeName: typeName, Reason: "unregistered job type"}
	}
	return cfg, nil
}

// ValidateEntry checks typeName is a registered entry type and that input
// parses under its validators.
func (r *JobTypeRegistry) ValidateEntry(typeName string, input json.RawMessage) error {
	cfg, err := r.MustLookup(typeName)
	if err != nil {
		return err
	}
	if !cfg.Entry {
		return &JobTypeValidationError{TypeName: typeName, Reason: "not an entry type"}
	}
	if cfg.ParseInput != nil {
		if err := cfg.ParseInput(input); err != nil {
			return &JobTypeValidationError{TypeName: typeName, Reason: "input: " + err.Error()}
		}
	}
	if cfg.ValidateEntry != nil {
		if err := cfg.ValidateEntry(input); err != nil {
			return &JobTypeValidationError{TypeName: typeName, Reason: "entry: " + err.Error()}
		}
	}
	return nil
}

// ValidateBlockers checks the blocker chain type names a startJobChain or
// addJobBlockers call proposes against typeName's declared BlockerShape
// and custom validator.
func (r *JobTypeRegistry) ValidateBlockers(typeName string, blockerChainTypeNames []string) error {
	cfg, err := r.MustLookup(typeName)
	if err != nil {
		return err
	}
	if cfg.BlockerShape != nil {
		if err := cfg.BlockerShape.validate(len(blockerChainTypeNames)); err != nil {
			return &JobTypeValidationError{TypeName: typeName, Reason: err.Error()}
		}
	}
	if cfg.ValidateBlockers != nil {
		if err := cfg.ValidateBlockers(blockerChainTypeNames); err != nil {
			return &JobTypeValidationError{TypeName: typeName, Reason: err.Error()}
		}
	}
	return nil
}

// ValidateContinueWith checks that fromType may continue into targetType,
// and that targetType's input validator accepts input.
func (r *JobTypeRegistry) ValidateContinueWith(fromType, targetType string, input json.RawMessage) error {
	fromCfg, err := r.MustLookup(fromType)
	if err != nil {
		return err
	}
	if fromCfg.ContinuationTarget != "" && fromCfg.ContinuationTarget != targetType {
		return &JobTypeValidationError{TypeName: fromType, Reason: fmt.Sprintf("may only continue with %q, not %q", fromCfg.ContinuationTarget, targetType)}
	}
	if fromCfg.ValidateContinueWith != nil {
		if err := fromCfg.ValidateContinueWith(targetType); err != nil {
			return &JobTypeValidationError{TypeName: fromType, Reason: err.Error()}
		}
	}
	targetCfg, err := r.MustLookup(targetType)
	if err != nil {
		return err
	}
	if targetCfg.ParseInput != nil {
		if err := targetCfg.ParseInput(input); err != nil {
			return &JobTypeValidationError{TypeName: targetType, Reason: "input: " + err.Error()}
		}
	}
	return nil
}

// ValidateOutput checks a final output value against typeName's validator.
func (r *JobTypeRegistry) ValidateOutput(typeName string, output json.RawMessage) error {
	cfg, err := r.MustLookup(typeName)
	if err != nil {
		return err
	}
	if cfg.ParseOutput != nil {
		if err := cfg.ParseOutput(output); err != nil {
			return &JobTypeValidationError{TypeName: typeName, Reason: "output: " + err.Error()}
		}
	}
	return nil
}
