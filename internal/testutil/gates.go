package testutil

import (
	"context"

	"github.com/hupe1980/execmesh/core"
)

// ApproveGate approves every invocation and resolves cfg as its run
// configuration.
func ApproveGate(cfg core.RunConfig) core.Gate {
	return core.GateFunc(func(_ context.Context, inv core.Invocation) (*core.ValidationContext, error) {
		vc := core.NewValidationContext(inv)
		vc.Approved = true
		vc.SetResolved(core.ResolverLabConfig, cfg)
		return vc, nil
	})
}

// RejectGate rejects every invocation with reason.
func RejectGate(reason string) core.Gate {
	return core.GateFunc(func(_ context.Context, inv core.Invocation) (*core.ValidationContext, error) {
		vc := core.NewValidationContext(inv)
		vc.ValidationResult = reason
		return vc, nil
	})
}

// FaultGate fails every validation with err.
func FaultGate(err error) core.Gate {
	return core.GateFunc(func(context.Context, core.Invocation) (*core.ValidationContext, error) {
		return nil, err
	})
}
