package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/logging"
)

// Resolver loads an object an invocation refers to. Resolve returns nil
// when nothing resolves and an *InvalidInputError when the invocation data
// cannot be decoded; other errors are faults.
type Resolver interface {
	Kind() core.ResolverKind
	Resolve(ctx context.Context, inv core.Invocation) (any, error)
}

// Rule checks one approval condition. A rejection returns ok=false with the
// reason shown to the requester.
type Rule interface {
	Check(ctx context.Context, vc *core.ValidationContext) (ok bool, reason string, err error)
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc func(ctx context.Context, vc *core.ValidationContext) (bool, string, error)

// Check calls f(ctx, vc).
func (f RuleFunc) Check(ctx context.Context, vc *core.ValidationContext) (bool, string, error) {
	return f(ctx, vc)
}

// Options configures a Pipeline.
type Options struct {
	Resolvers []Resolver
	Rules     []Rule
	Logger    logging.Logger
}

// Pipeline is a core.Gate running resolvers then rules.
type Pipeline struct {
	resolvers []Resolver
	rules     []Rule
	logger    logging.Logger
}

var _ core.Gate = (*Pipeline)(nil)

// NewPipeline constructs a Pipeline with optional overrides.
func NewPipeline(optFns ...func(o *Options)) *Pipeline {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Pipeline{
		resolvers: opts.Resolvers,
		rules:     opts.Rules,
		logger:    opts.Logger,
	}
}

// Validate implements core.Gate. It never mutates inv.
func (p *Pipeline) Validate(ctx context.Context, inv core.Invocation) (*core.ValidationContext, error) {
	vc := core.NewValidationContext(inv)

	for _, r := range p.resolvers {
		value, err := r.Resolve(ctx, inv)
		var invalidErr *InvalidInputError
		if errors.As(err, &invalidErr) {
			vc.ValidationResult = invalidErr.Error()
			p.logger.Debug("Invocation rejected by resolver", "invocation_id", inv.ID, "kind", r.Kind(), "reason", vc.ValidationResult)
			return vc, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", r.Kind(), err)
		}
		if value != nil {
			vc.SetResolved(r.Kind(), value)
		}
	}

	for i, rule := range p.rules {
		ok, reason, err := rule.Check(ctx, vc)
		if err != nil {
			return nil, fmt.Errorf("validation rule %d: %w", i, err)
		}
		if !ok {
			vc.ValidationResult = reason
			p.logger.Debug("Invocation rejected by rule", "invocation_id", inv.ID, "rule", i, "reason", reason)
			return vc, nil
		}
	}

	vc.Approved = true

	return vc, nil
}

// NewStartGate builds the gate for start invocations. It resolves the run
// configuration from data.config (falling back to defaults) and applies
// extra after the built-in rules.
func NewStartGate(defaults core.RunConfig, extra ...Rule) *Pipeline {
	return NewPipeline(func(o *Options) {
		o.Resolvers = []Resolver{LabConfigResolver{Defaults: defaults}}
		o.Rules = append([]Rule{
			RequireType(core.InvocationTypeStartExecution),
			RequireUser(),
			RequireResolved(core.ResolverLabConfig, "Could not resolve lab configuration"),
		}, extra...)
	})
}

// NewStopGate builds the gate for stop invocations. The requester must own
// a running execution named by data.execution_id.
func NewStopGate(executions core.ExecutionStore, extra ...Rule) *Pipeline {
	return NewPipeline(func(o *Options) {
		o.Resolvers = []Resolver{ExecutionResolver{Store: executions}}
		o.Rules = append([]Rule{
			RequireType(core.InvocationTypeStopExecution),
			RequireUser(),
			RequireResolved(core.ResolverExecution, "Execution not found"),
			ExecutionOwner(),
			ExecutionRunning(),
		}, extra...)
	})
}
