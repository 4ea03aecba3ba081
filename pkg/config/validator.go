package config

import (
	"fmt"

	"github.com/orket/orket/pkg/reactor"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateCoordinator(); err != nil {
		return fmt.Errorf("coordinator validation failed: %w", err)
	}

	if err := v.validateWorker(); err != nil {
		return fmt.Errorf("worker validation failed: %w", err)
	}

	if err := v.validateIndex(); err != nil {
		return fmt.Errorf("index validation failed: %w", err)
	}

	if err := v.validateReactor(); err != nil {
		return fmt.Errorf("reactor validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateCoordinator() error {
	c := v.cfg.Coordinator

	if c.ListenAddr == "" {
		return NewValidationError("coordinator", "", "listen_addr", ErrMissingRequiredField)
	}

	seen := make(map[string]bool, len(c.SeedCards))
	for i, card := range c.SeedCards {
		if card.ID == "" {
			return NewValidationError("seed_card", fmt.Sprintf("#%d", i), "id", ErrMissingRequiredField)
		}
		if seen[card.ID] {
			return NewValidationError("seed_card", card.ID, "id",
				fmt.Errorf("%w: duplicate card id", ErrInvalidValue))
		}
		seen[card.ID] = true
	}

	return nil
}

func (v *ConfigValidator) validateWorker() error {
	w := v.cfg.Worker

	if w.CoordinatorURL == "" {
		return NewValidationError("worker", "", "coordinator_url", ErrMissingRequiredField)
	}
	if w.Count < 1 {
		return NewValidationError("worker", "", "count",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if w.PollInterval <= 0 {
		return NewValidationError("worker", "", "poll_interval",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if w.LeaseDuration <= 0 {
		return NewValidationError("worker", "", "lease_duration",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if w.RenewInterval < 0 {
		return NewValidationError("worker", "", "renew_interval",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if w.RenewInterval >= w.LeaseDuration && w.RenewInterval > 0 {
		return NewValidationError("worker", "", "renew_interval",
			fmt.Errorf("%w: must be shorter than lease_duration", ErrInvalidValue))
	}
	if w.WorkDuration < 0 {
		return NewValidationError("worker", "", "work_duration",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateIndex() error {
	if v.cfg.Index.WorkspaceRoot == "" {
		return NewValidationError("index", "", "workspace_root", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateReactor() error {
	r := v.cfg.Reactor

	switch reactor.LeakMode(r.LeakMode) {
	case reactor.LeakModeStrict, reactor.LeakModeBalanced:
	default:
		return NewValidationError("reactor", "", "leak_mode",
			fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidValue, r.LeakMode,
				reactor.LeakModeStrict, reactor.LeakModeBalanced))
	}
	if r.MaxRounds < 1 {
		return NewValidationError("reactor", "", "max_rounds",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.DiffFloor < 0 || r.DiffFloor >= 1 {
		return NewValidationError("reactor", "", "diff_floor",
			fmt.Errorf("%w: must be in [0, 1)", ErrInvalidValue))
	}
	if r.StableRounds < 1 {
		return NewValidationError("reactor", "", "stable_rounds",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.ShingleK < 1 {
		return NewValidationError("reactor", "", "shingle_k",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.LoopMargin < 0 || r.LoopMargin > 1 {
		return NewValidationError("reactor", "", "loop_margin",
			fmt.Errorf("%w: must be in [0, 1]", ErrInvalidValue))
	}
	if r.MinLoopSim < 0 || r.MinLoopSim > 1 {
		return NewValidationError("reactor", "", "min_loop_sim",
			fmt.Errorf("%w: must be in [0, 1]", ErrInvalidValue))
	}

	return nil
}
