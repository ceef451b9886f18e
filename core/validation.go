package core

import "context"

// ResolverKind identifies an object a validation gate can resolve.
type ResolverKind string

const (
	// ResolverLabConfig resolves a RunConfig for start invocations.
	ResolverLabConfig ResolverKind = "lab_config"
	// ResolverExecution resolves the targeted *Execution for stop invocations.
	ResolverExecution ResolverKind = "execution"
)

// ValidationContext is the ephemeral outcome of running a Gate. It is never
// persisted.
type ValidationContext struct {
	Invocation       Invocation
	Approved         bool
	ValidationResult string
	resolved         map[ResolverKind]any
}

// NewValidationContext creates an unapproved context for inv.
func NewValidationContext(inv Invocation) *ValidationContext {
	return &ValidationContext{Invocation: inv, resolved: map[ResolverKind]any{}}
}

// IsApproved reports whether the gate approved the invocation.
func (v *ValidationContext) IsApproved() bool { return v != nil && v.Approved }

// SetResolved stores a resolved object under kind.
func (v *ValidationContext) SetResolved(kind ResolverKind, value any) {
	if v.resolved == nil {
		v.resolved = map[ResolverKind]any{}
	}
	v.resolved[kind] = value
}

// Lookup returns the raw value resolved under kind.
func (v *ValidationContext) Lookup(kind ResolverKind) (any, bool) {
	if v == nil || v.resolved == nil {
		return nil, false
	}
	value, ok := v.resolved[kind]
	return value, ok && value != nil
}

// Resolved returns the object resolved under kind typed as T. It reports
// false when nothing was resolved or the stored value has another type.
func Resolved[T any](v *ValidationContext, kind ResolverKind) (T, bool) {
	var zero T
	raw, ok := v.Lookup(kind)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	return typed, ok
}

// Gate approves or rejects an invocation and resolves supporting objects.
// Start and stop invocations use separate gates sharing this contract.
// Validate must not mutate the invocation. A returned error is a fault of
// the gate itself; a rejection is signalled through the context.
type Gate interface {
	Validate(ctx context.Context, inv Invocation) (*ValidationContext, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, inv Invocation) (*ValidationContext, error)

// Validate calls f(ctx, inv).
func (f GateFunc) Validate(ctx context.Context, inv Invocation) (*ValidationContext, error) {
	return f(ctx, inv)
}
