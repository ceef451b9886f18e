package validation

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/hupe1980/execmesh/core"
)

// Expression is a Rule backed by a boolean CEL expression evaluated against
// the invocation. The expression sees one variable:
//
//	invocation: {id, type, user_id, server_id, data, resolved}
//
// where resolved maps resolver kinds to whether they resolved. Example:
//
//	invocation.user_id != "" && size(invocation.data) < 50
type Expression struct {
	expr   string
	reason string
	prg    cel.Program
}

// NewExpression compiles expr. Invocations for which it evaluates to false
// are rejected with reason.
func NewExpression(expr, reason string) (*Expression, error) {
	env, err := cel.NewEnv(
		cel.Variable("invocation", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	return &Expression{expr: expr, reason: reason, prg: prg}, nil
}

// String returns the source expression.
func (e *Expression) String() string { return e.expr }

// Check implements Rule.
func (e *Expression) Check(ctx context.Context, vc *core.ValidationContext) (bool, string, error) {
	out, _, err := e.prg.ContextEval(ctx, map[string]any{
		"invocation": invocationInput(vc),
	})
	if err != nil {
		return false, "", fmt.Errorf("evaluate %q: %w", e.expr, err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, "", fmt.Errorf("expression %q returned %T, want bool", e.expr, out.Value())
	}

	if !allowed {
		return false, e.reason, nil
	}

	return true, "", nil
}

func invocationInput(vc *core.ValidationContext) map[string]any {
	inv := vc.Invocation

	data := inv.Data
	if data == nil {
		data = map[string]any{}
	}

	resolved := map[string]any{}
	for _, kind := range []core.ResolverKind{core.ResolverLabConfig, core.ResolverExecution} {
		_, ok := vc.Lookup(kind)
		resolved[string(kind)] = ok
	}

	return map[string]any{
		"id":        inv.ID,
		"type":      string(inv.Type),
		"user_id":   inv.UserID,
		"server_id": inv.ServerID,
		"data":      data,
		"resolved":  resolved,
	}
}
