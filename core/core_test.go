package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolved(t *testing.T) {
	vc := NewValidationContext(Invocation{ID: "inv-1"})
	vc.SetResolved(ResolverLabConfig, RunConfig{Command: "echo"})

	cfg, ok := Resolved[RunConfig](vc, ResolverLabConfig)
	require.True(t, ok)
	assert.Equal(t, "echo", cfg.Command)

	_, ok = Resolved[*Execution](vc, ResolverLabConfig)
	assert.False(t, ok, "type mismatch")

	_, ok = Resolved[*Execution](vc, ResolverExecution)
	assert.False(t, ok, "missing")

	vc.SetResolved(ResolverExecution, nil)
	_, ok = vc.Lookup(ResolverExecution)
	assert.False(t, ok, "nil values count as unresolved")

	_, ok = Resolved[RunConfig](nil, ResolverLabConfig)
	assert.False(t, ok)
}

func TestValidationContext_ZeroValue(t *testing.T) {
	var vc ValidationContext
	vc.SetResolved(ResolverLabConfig, RunConfig{})
	_, ok := vc.Lookup(ResolverLabConfig)
	assert.True(t, ok)

	var nilCtx *ValidationContext
	assert.False(t, nilCtx.IsApproved())
}

func TestGateFunc(t *testing.T) {
	boom := errors.New("boom")
	g := GateFunc(func(_ context.Context, inv Invocation) (*ValidationContext, error) {
		if inv.UserID == "" {
			return nil, boom
		}
		vc := NewValidationContext(inv)
		vc.Approved = true
		return vc, nil
	})

	vc, err := g.Validate(context.Background(), Invocation{UserID: "u"})
	require.NoError(t, err)
	assert.True(t, vc.IsApproved())

	_, err = g.Validate(context.Background(), Invocation{})
	assert.ErrorIs(t, err, boom)
}

func TestToMessageKind(t *testing.T) {
	assert.Equal(t, MessageKindStdout, ToMessageKind(OriginStdout))
	assert.Equal(t, MessageKindStderr, ToMessageKind(OriginStderr))
	assert.Equal(t, MessageKindStdout, ToMessageKind(Origin("other")))
}

func TestExecutionMessage_IsTerminal(t *testing.T) {
	cases := map[MessageKind]bool{
		MessageKindExecutionStarted:  false,
		MessageKindStdout:            false,
		MessageKindStderr:            false,
		MessageKindExecutionFinished: true,
		MessageKindExecutionRejected: true,
	}
	for kind, want := range cases {
		assert.Equal(t, want, ExecutionMessage{Kind: kind}.IsTerminal(), kind)
	}
}

func TestServer_Info(t *testing.T) {
	assert.Equal(t, "lab-1 (gpu)", Server{ID: "s", Name: "lab-1", HardwareType: "gpu"}.Info())
}

func TestInvocation_Helpers(t *testing.T) {
	inv := Invocation{Type: InvocationTypeStopExecution, Data: map[string]any{"execution_id": "e-1", "n": 3}}
	assert.True(t, inv.IsStop())
	assert.False(t, inv.IsStart())
	assert.Equal(t, "e-1", inv.StringData("execution_id"))
	assert.Empty(t, inv.StringData("n"))
	assert.Empty(t, Invocation{}.StringData("x"))
}
