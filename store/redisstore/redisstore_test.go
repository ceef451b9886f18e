package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/core"
)

// Interface compliance (compile-time assertion)
var _ core.Store = (*Store)(nil)

func TestKeys(t *testing.T) {
	k := keys{prefix: "em"}
	assert.Equal(t, "em:server:s1", k.server("s1"))
	assert.Equal(t, "em:execution:e1", k.execution("e1"))
	assert.Equal(t, "em:messages:e1", k.messages("e1"))
	assert.Equal(t, "em:invocations:s1", k.invocations("s1"))
}

func fieldsOf(t *testing.T, args []any) map[string]string {
	t.Helper()
	require.Equal(t, 0, len(args)%2)
	fields := map[string]string{}
	for i := 0; i < len(args); i += 2 {
		fields[args[i].(string)] = args[i+1].(string)
	}
	return fields
}

func TestExecutionEncoding(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	args, err := encodeExecution(core.Execution{
		ID: "exec-1", CacheHash: "abc", Lab: map[string]any{"name": "intro"},
		ServerInfo: "box (gpu)", HardwareType: "gpu", ServerID: "srv", UserID: "alice",
		Status: core.ExecutionStatusExecuting, StartedAt: started,
	})
	require.NoError(t, err)

	fields := fieldsOf(t, args)
	assert.NotContains(t, fields, "finished_at")

	got, err := decodeExecution(fields)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ID)
	assert.Equal(t, "intro", got.Lab["name"])
	assert.Equal(t, core.ExecutionStatusExecuting, got.Status)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.FinishedAt)

	fields["status"] = "finished"
	fields["finished_at"] = formatTime(started.Add(time.Minute))
	got, err = decodeExecution(fields)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, time.Minute, got.FinishedAt.Sub(got.StartedAt))
}

func TestDecodeExecution_BadTimestamp(t *testing.T) {
	_, err := decodeExecution(map[string]string{"id": "e", "started_at": "yesterday"})
	assert.Error(t, err)
}

func TestDecodeInvocation(t *testing.T) {
	inv, err := decodeInvocation(redis.XMessage{
		ID:     "1-0",
		Values: map[string]any{invocationField: `{"id":"inv-1","type":"start_execution","user_id":"alice","data":{"config":{"command":"echo"}}}`},
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.ID)
	assert.True(t, inv.IsStart())

	_, err = decodeInvocation(redis.XMessage{ID: "2-0", Values: map[string]any{}})
	assert.Error(t, err)

	_, err = decodeInvocation(redis.XMessage{ID: "3-0", Values: map[string]any{invocationField: "{"}})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	client := NewClient("localhost:6379", "", 0)
	defer client.Close()

	s := New(client, func(o *Options) { o.Prefix = "test" })
	assert.Equal(t, "test", s.keys.prefix)
	assert.Equal(t, time.Second, s.block)
}

var serverClock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openMiniredis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	mr.SetTime(serverClock)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, func(o *Options) { o.Block = 20 * time.Millisecond }), mr
}

func TestMiniredis_EndToEnd(t *testing.T) {
	s, mr := openMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.PutServer(ctx, core.Server{ID: "srv", Name: "box", HardwareType: "cpu"}))
	require.NoError(t, s.PutServer(ctx, core.Server{ID: "srv", Name: "box-2", HardwareType: "gpu"}))
	server, err := s.GetServer(ctx, "srv")
	require.NoError(t, err)
	assert.Equal(t, "box-2 (gpu)", server.Info())

	_, err = s.GetServer(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.CreateExecution(ctx, core.Execution{
		ID: "exec-1", CacheHash: "h", Lab: map[string]any{"name": "intro"},
		ServerInfo: server.Info(), HardwareType: "gpu", ServerID: "srv", UserID: "alice",
		Status: core.ExecutionStatusExecuting,
	}))
	assert.True(t, mr.Exists("execmesh:execution:exec-1"))

	err = s.CreateExecution(ctx, core.Execution{ID: "exec-1", Status: core.ExecutionStatusFailed})
	assert.ErrorIs(t, err, ErrExecutionExists)

	execution, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusExecuting, execution.Status)
	assert.True(t, serverClock.Equal(execution.StartedAt))
	assert.Nil(t, execution.FinishedAt)

	zero := 0
	for i, m := range []core.ExecutionMessage{
		{ID: "m0", Kind: core.MessageKindExecutionStarted, Data: "start", Index: core.Unindexed, TerminalMode: true},
		{ID: "m1", Kind: core.MessageKindStdout, Data: "a", Index: 0, TerminalMode: true},
		{ID: "m2", Kind: core.MessageKindExecutionRejected, Data: "r", VirtualIndex: &zero, TerminalMode: true},
	} {
		stored, err := s.AppendMessage(ctx, "exec-1", m)
		require.NoError(t, err, "message %d", i)
		assert.True(t, serverClock.Equal(stored.Timestamp))
	}

	msgs, err := s.ListMessages(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m0", "m1", "m2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, core.Unindexed, msgs[0].Index)
	require.NotNil(t, msgs[2].VirtualIndex)
	assert.Nil(t, msgs[1].VirtualIndex)
	assert.True(t, serverClock.Equal(msgs[1].Timestamp))

	finished := serverClock.Add(time.Minute)
	mr.SetTime(finished)

	require.NoError(t, s.CompleteExecution(ctx, "exec-1", core.ExecutionStatusFinished))
	execution, err = s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusFinished, execution.Status)
	require.NotNil(t, execution.FinishedAt)
	assert.True(t, finished.Equal(*execution.FinishedAt))
	assert.Equal(t, "intro", execution.Lab["name"])
}

func TestMiniredis_MissingExecution(t *testing.T) {
	s, mr := openMiniredis(t)
	ctx := context.Background()

	_, err := s.GetExecution(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = s.CompleteExecution(ctx, "nope", core.ExecutionStatusFailed)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.False(t, mr.Exists("execmesh:execution:nope"))

	msgs, err := s.ListMessages(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMiniredis_ClockUnavailable(t *testing.T) {
	s, mr := openMiniredis(t)
	mr.SetError("LOADING server is loading")

	err := s.CreateExecution(context.Background(), core.Execution{ID: "exec-1"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExecutionExists))
}

func TestMiniredis_FeedDeliversNewInvocations(t *testing.T) {
	s, _ := openMiniredis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.PublishInvocation(ctx, core.Invocation{ID: "old", Type: core.InvocationTypeStartExecution, ServerID: "srv"}))

	invCh, _, err := s.SubscribeInvocations(ctx, "srv")
	require.NoError(t, err)

	require.NoError(t, s.PublishInvocation(ctx, core.Invocation{ID: "elsewhere", ServerID: "other"}))
	require.NoError(t, s.PublishInvocation(ctx, core.Invocation{
		ID: "inv-1", Type: core.InvocationTypeStartExecution, UserID: "alice", ServerID: "srv",
		Data: map[string]any{"config": map[string]any{"command": "echo"}},
	}))
	require.NoError(t, s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.invocations("srv"),
		Values: map[string]any{invocationField: "{not json"},
	}).Err())
	require.NoError(t, s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.invocations("srv"),
		Values: map[string]any{"other": "field"},
	}).Err())
	require.NoError(t, s.PublishInvocation(ctx, core.Invocation{ID: "inv-2", Type: core.InvocationTypeStopExecution, ServerID: "srv"}))

	var got []core.Invocation
	for len(got) < 2 {
		select {
		case inv := <-invCh:
			got = append(got, inv)
		case <-time.After(5 * time.Second):
			t.Fatalf("feed delivered %d invocations", len(got))
		}
	}

	assert.Equal(t, "inv-1", got[0].ID)
	assert.Equal(t, "echo", got[0].Data["config"].(map[string]any)["command"])
	assert.True(t, serverClock.Equal(got[0].CreatedAt))
	assert.Equal(t, "inv-2", got[1].ID)
	assert.Equal(t, core.InvocationTypeStopExecution, got[1].Type)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-invCh
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
