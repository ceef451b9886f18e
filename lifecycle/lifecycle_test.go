package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/internal/testutil"
	"github.com/hupe1980/execmesh/store"
)

type failingMessages struct{ err error }

func (f failingMessages) AppendMessage(context.Context, string, core.ExecutionMessage) (core.ExecutionMessage, error) {
	return core.ExecutionMessage{}, f.err
}

func (f failingMessages) ListMessages(context.Context, string) ([]core.ExecutionMessage, error) {
	return nil, f.err
}

var server = core.Server{ID: "srv-1", Name: "worker-a", HardwareType: "gpu"}

func TestTracker_CreateAndComplete(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(server, s, s)
	ctx := context.Background()

	inv := testutil.NewInvocationBuilder().ID("inv-1").User("alice").Data("lab", map[string]any{"name": "intro"}).Build()
	tr.CreateExecutionRecord(ctx, inv, "hash-1")

	got, err := s.GetExecution(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusExecuting, got.Status)
	assert.Equal(t, "hash-1", got.CacheHash)
	assert.Equal(t, "worker-a (gpu)", got.ServerInfo)
	assert.Equal(t, "gpu", got.HardwareType)
	assert.Equal(t, "srv-1", got.ServerID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "intro", got.Lab["name"])

	tr.CompleteExecution(ctx, inv, core.ExecutionStatusFinished)
	got, err = s.GetExecution(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusFinished, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestTracker_LabFallsBackToData(t *testing.T) {
	inv := testutil.NewInvocationBuilder().Command("echo").Build()
	lab := labOf(inv)
	assert.Contains(t, lab, "config")
}

func TestTracker_PersistMessageAssignsIDs(t *testing.T) {
	s := store.NewInMemoryStore()
	n := 0
	tr := New(server, s, s, func(o *Options) {
		o.NewID = func() string { n++; return fmt.Sprintf("msg-%d", n) }
	})
	ctx := context.Background()
	inv := testutil.NewInvocationBuilder().ID("inv-1").Build()

	tr.PersistMessage(ctx, core.ExecutionMessage{Kind: core.MessageKindStdout, Data: "a", Index: 0}, inv)
	tr.PersistMessage(ctx, core.ExecutionMessage{Kind: core.MessageKindStdout, Data: "b", Index: 1}, inv)

	msgs, err := s.ListMessages(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg-1", msgs[0].ID)
	assert.Equal(t, "msg-2", msgs[1].ID)
	assert.Equal(t, "b", msgs[1].Data)
}

func TestTracker_DefaultIDsAreUUIDs(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(server, s, s)
	inv := testutil.NewInvocationBuilder().ID("inv-1").Build()

	tr.PersistMessage(context.Background(), core.ExecutionMessage{Kind: core.MessageKindStdout}, inv)

	msgs, err := s.ListMessages(context.Background(), "inv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].ID, 36)
}

func TestTracker_FailuresDoNotPanic(t *testing.T) {
	s := store.NewInMemoryStore()
	tr := New(server, s, failingMessages{err: errors.New("disk full")})
	ctx := context.Background()
	inv := testutil.NewInvocationBuilder().ID("inv-x").Build()

	assert.NotPanics(t, func() {
		tr.CompleteExecution(ctx, inv, core.ExecutionStatusFailed)
		tr.PersistMessage(ctx, core.ExecutionMessage{Kind: core.MessageKindStdout}, inv)
	})

	_, err := s.GetExecution(ctx, "inv-x")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
