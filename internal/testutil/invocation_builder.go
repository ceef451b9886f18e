package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/execmesh/core"
)

// InvocationBuilder provides a fluent helper for constructing invocations in tests.
// Example:
//
//	inv := NewInvocationBuilder().ID("inv-1").User("alice").Command("echo", "hi").Build()
//
// Chain only the parts you need; a start invocation from user "user-1" on
// server "server-1" is the default.
type InvocationBuilder struct {
	inv core.Invocation
}

// NewInvocationBuilder creates a builder for a start invocation.
func NewInvocationBuilder() *InvocationBuilder {
	return &InvocationBuilder{inv: core.Invocation{
		Type:     core.InvocationTypeStartExecution,
		UserID:   "user-1",
		ServerID: "server-1",
		Data:     map[string]any{},
	}}
}

// ID overrides the auto-generated invocation ID (chainable).
func (b *InvocationBuilder) ID(id string) *InvocationBuilder { b.inv.ID = id; return b }

// User sets the requesting user (chainable).
func (b *InvocationBuilder) User(id string) *InvocationBuilder { b.inv.UserID = id; return b }

// Server sets the target server (chainable).
func (b *InvocationBuilder) Server(id string) *InvocationBuilder { b.inv.ServerID = id; return b }

// Stop turns the invocation into a stop request for executionID (chainable).
func (b *InvocationBuilder) Stop(executionID string) *InvocationBuilder {
	b.inv.Type = core.InvocationTypeStopExecution
	b.inv.Data["execution_id"] = executionID
	return b
}

// Command sets data.config.command and data.config.args (chainable).
func (b *InvocationBuilder) Command(cmd string, args ...string) *InvocationBuilder {
	cfg := b.config()
	cfg["command"] = cmd
	if len(args) > 0 {
		list := make([]any, len(args))
		for i, a := range args {
			list[i] = a
		}
		cfg["args"] = list
	}
	return b
}

// Data sets an arbitrary data key (chainable).
func (b *InvocationBuilder) Data(key string, value any) *InvocationBuilder {
	b.inv.Data[key] = value
	return b
}

// Build finalizes the invocation applying defaults.
func (b *InvocationBuilder) Build() core.Invocation {
	inv := b.inv
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	return inv
}

func (b *InvocationBuilder) config() map[string]any {
	cfg, ok := b.inv.Data["config"].(map[string]any)
	if !ok {
		cfg = map[string]any{}
		b.inv.Data["config"] = cfg
	}
	return cfg
}
