package validation

import (
	"context"
	"fmt"

	"github.com/hupe1980/execmesh/core"
)

// RequireUser rejects invocations without a requesting user.
func RequireUser() Rule {
	return RuleFunc(func(_ context.Context, vc *core.ValidationContext) (bool, string, error) {
		if vc.Invocation.UserID == "" {
			return false, "Invocation has no user", nil
		}
		return true, "", nil
	})
}

// RequireType rejects invocations of any other type.
func RequireType(typ core.InvocationType) Rule {
	return RuleFunc(func(_ context.Context, vc *core.ValidationContext) (bool, string, error) {
		if vc.Invocation.Type != typ {
			return false, fmt.Sprintf("Invocation type %q is not %q", vc.Invocation.Type, typ), nil
		}
		return true, "", nil
	})
}

// RequireResolved rejects with reason when nothing resolved under kind.
func RequireResolved(kind core.ResolverKind, reason string) Rule {
	return RuleFunc(func(_ context.Context, vc *core.ValidationContext) (bool, string, error) {
		if _, ok := vc.Lookup(kind); !ok {
			return false, reason, nil
		}
		return true, "", nil
	})
}

// ExecutionOwner rejects when the resolved execution belongs to another user.
// It passes when no execution resolved.
func ExecutionOwner() Rule {
	return RuleFunc(func(_ context.Context, vc *core.ValidationContext) (bool, string, error) {
		execution, ok := core.Resolved[*core.Execution](vc, core.ResolverExecution)
		if !ok {
			return true, "", nil
		}
		if execution.UserID != vc.Invocation.UserID {
			return false, "Execution belongs to another user", nil
		}
		return true, "", nil
	})
}

// ExecutionRunning rejects when the resolved execution already ended.
func ExecutionRunning() Rule {
	return RuleFunc(func(_ context.Context, vc *core.ValidationContext) (bool, string, error) {
		execution, ok := core.Resolved[*core.Execution](vc, core.ResolverExecution)
		if !ok {
			return true, "", nil
		}
		if execution.Status != core.ExecutionStatusExecuting {
			return false, fmt.Sprintf("Execution is already %s", execution.Status), nil
		}
		return true, "", nil
	})
}
