package gateway

import (
	"context"
	"fmt"

	"github.com/roasbeef/lattice/internal/wire"
)

// ValidationError is a structural rejection of an invocation.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Reason
}

// ValidationConfig bounds the shape of acceptable invocations. Zero-valued
// fields are unlimited.
type ValidationConfig struct {
	MaxActorIDLength int
	MaxTargetLength  int
	MaxArgs          int
	MaxArgSize       int
	MaxTotalArgSize  int
}

// DefaultValidation is the stock preset.
func DefaultValidation() ValidationConfig {
	return ValidationConfig{
		MaxActorIDLength: 256,
		MaxTargetLength:  128,
		MaxArgs:          32,
		MaxArgSize:       1 << 20,
		MaxTotalArgSize:  4 << 20,
	}
}

// PermissiveValidation only rejects empty identifiers.
func PermissiveValidation() ValidationConfig {
	return ValidationConfig{}
}

// StrictValidation is a tight preset for hostile environments.
func StrictValidation() ValidationConfig {
	return ValidationConfig{
		MaxActorIDLength: 64,
		MaxTargetLength:  64,
		MaxArgs:          8,
		MaxArgSize:       64 << 10,
		MaxTotalArgSize:  256 << 10,
	}
}

// ValidationMiddleware rejects invocations whose identifiers or argument
// sizes exceed the configured limits.
type ValidationMiddleware struct {
	cfg ValidationConfig
}

// NewValidationMiddleware creates the middleware.
func NewValidationMiddleware(cfg ValidationConfig) *ValidationMiddleware {
	return &ValidationMiddleware{cfg: cfg}
}

// Process implements Middleware.
func (m *ValidationMiddleware) Process(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error) {

	if err := m.validate(inv); err != nil {
		return nil, err
	}

	return next(ctx, gctx, inv)
}

func (m *ValidationMiddleware) validate(inv wire.Invocation) error {
	if inv.Actor.ID == "" {
		return &ValidationError{Reason: "empty actor id"}
	}
	if inv.Target == "" {
		return &ValidationError{Reason: "empty target"}
	}

	cfg := m.cfg
	if cfg.MaxActorIDLength > 0 &&
		len(inv.Actor.ID) > cfg.MaxActorIDLength {

		return &ValidationError{Reason: fmt.Sprintf(
			"actor id exceeds %d bytes", cfg.MaxActorIDLength,
		)}
	}
	if cfg.MaxTargetLength > 0 && len(inv.Target) > cfg.MaxTargetLength {
		return &ValidationError{Reason: fmt.Sprintf(
			"target exceeds %d bytes", cfg.MaxTargetLength,
		)}
	}
	if cfg.MaxArgs > 0 && len(inv.Args) > cfg.MaxArgs {
		return &ValidationError{Reason: fmt.Sprintf(
			"more than %d arguments", cfg.MaxArgs,
		)}
	}

	total := 0
	for i, arg := range inv.Args {
		if cfg.MaxArgSize > 0 && len(arg) > cfg.MaxArgSize {
			return &ValidationError{Reason: fmt.Sprintf(
				"argument %d exceeds %d bytes",
				i, cfg.MaxArgSize,
			)}
		}
		total += len(arg)
	}
	if cfg.MaxTotalArgSize > 0 && total > cfg.MaxTotalArgSize {
		return &ValidationError{Reason: fmt.Sprintf(
			"arguments exceed %d bytes total",
			cfg.MaxTotalArgSize,
		)}
	}

	return nil
}
