package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/execmesh/core"
)

// InvalidInputError reports invocation data a resolver cannot decode. The
// pipeline turns it into a rejection carrying Error() as the reason.
type InvalidInputError struct {
	Field string
	Err   error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &InvalidInputError{Field: field, Err: err}
}

// LabConfigResolver decodes data.config into a core.RunConfig. Fields the
// invocation leaves empty take their value from Defaults. It resolves
// nothing when no command results; undecodable fields yield an
// *InvalidInputError.
type LabConfigResolver struct {
	Defaults core.RunConfig
}

// Kind implements Resolver.
func (LabConfigResolver) Kind() core.ResolverKind { return core.ResolverLabConfig }

// Resolve implements Resolver.
func (r LabConfigResolver) Resolve(_ context.Context, inv core.Invocation) (any, error) {
	cfg := r.Defaults

	rawValue, present := inv.Data["config"]
	if !present || rawValue == nil {
		if cfg.Command == "" {
			return nil, nil
		}
		return cfg, nil
	}

	raw, ok := rawValue.(map[string]any)
	if !ok {
		return nil, invalid("config", fmt.Errorf("expected object, got %T", rawValue))
	}

	switch cmd := raw["command"].(type) {
	case nil:
	case string:
		if cmd != "" {
			cfg.Command = cmd
		}
	default:
		return nil, invalid("config.command", fmt.Errorf("expected string, got %T", cmd))
	}

	if v, present := raw["args"]; present && v != nil {
		args, ok := toStrings(v)
		if !ok {
			return nil, invalid("config.args", fmt.Errorf("expected list, got %T", v))
		}
		cfg.Args = args
	}

	switch env := raw["env"].(type) {
	case nil:
	case map[string]any:
		merged := make(map[string]string, len(cfg.Env)+len(env))
		for k, v := range cfg.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = fmt.Sprint(v)
		}
		cfg.Env = merged
	default:
		return nil, invalid("config.env", fmt.Errorf("expected object, got %T", env))
	}

	switch dir := raw["work_dir"].(type) {
	case nil:
	case string:
		if dir != "" {
			cfg.WorkDir = dir
		}
	default:
		return nil, invalid("config.work_dir", fmt.Errorf("expected string, got %T", dir))
	}

	if timeout, ok, err := toDuration(raw["timeout"]); err != nil {
		return nil, invalid("config.timeout", err)
	} else if ok {
		cfg.Timeout = timeout
	}

	if cfg.Command == "" {
		return nil, nil
	}

	return cfg, nil
}

// ExecutionResolver loads the execution named by data.execution_id.
type ExecutionResolver struct {
	Store core.ExecutionStore
}

// Kind implements Resolver.
func (ExecutionResolver) Kind() core.ResolverKind { return core.ResolverExecution }

// Resolve implements Resolver. A missing execution resolves nothing.
func (r ExecutionResolver) Resolve(ctx context.Context, inv core.Invocation) (any, error) {
	id := inv.StringData("execution_id")
	if id == "" {
		return nil, nil
	}

	execution, err := r.Store.GetExecution(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return execution, nil
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, len(t))
		for i, a := range t {
			out[i] = fmt.Sprint(a)
		}
		return out, true
	default:
		return nil, false
	}
}

// toDuration accepts a Go duration string or a number of seconds.
func toDuration(v any) (time.Duration, bool, error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, false, err
		}
		return d, true, nil
	case float64:
		return time.Duration(t * float64(time.Second)), true, nil
	case int:
		return time.Duration(t) * time.Second, true, nil
	case int64:
		return time.Duration(t) * time.Second, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported type %T", v)
	}
}
