package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/archive"
	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/internal/testutil"
	"github.com/hupe1980/execmesh/store"
	"github.com/hupe1980/execmesh/validation"
)

const serverID = "server-1"

type harness struct {
	t       *testing.T
	store   *store.InMemoryStore
	runner  *testutil.FakeRunner
	archive *archive.InMemoryStore
	d       *Dispatcher
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, startGate core.Gate, runner *testutil.FakeRunner) *harness {
	t.Helper()

	s := store.NewInMemoryStore()
	require.NoError(t, s.PutServer(context.Background(), core.Server{ID: serverID, Name: "worker-a", HardwareType: "gpu"}))

	arch := archive.NewInMemoryStore()
	d := New(s, runner, startGate, validation.NewStopGate(s), func(o *Options) {
		o.ServerID = serverID
		o.ServerPollInterval = 10 * time.Millisecond
		o.Archive = arch
	})

	h := &harness{t: t, store: s, runner: runner, archive: arch, d: d, done: make(chan error, 1)}
	h.start()
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.d.Run(ctx) }()

	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			h.t.Error("dispatcher did not stop")
		}
		h.d.Wait()
	})
}

func (h *harness) waitReady() {
	h.t.Helper()
	select {
	case <-h.d.Ready():
	case <-time.After(5 * time.Second):
		h.t.Fatal("dispatcher never became ready")
	}
}

func (h *harness) publish(inv core.Invocation) {
	h.t.Helper()
	require.NoError(h.t, h.store.PublishInvocation(context.Background(), inv))
}

func (h *harness) waitStatus(id string, status core.ExecutionStatus) *core.Execution {
	h.t.Helper()
	var execution *core.Execution
	require.Eventually(h.t, func() bool {
		e, err := h.store.GetExecution(context.Background(), id)
		if err != nil || e.Status != status {
			return false
		}
		execution = e
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return execution
}

func (h *harness) waitMessages(id string, n int) []core.ExecutionMessage {
	h.t.Helper()
	var msgs []core.ExecutionMessage
	require.Eventually(h.t, func() bool {
		msgs, _ = h.store.ListMessages(context.Background(), id)
		return len(msgs) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return msgs
}

func kinds(msgs []core.ExecutionMessage) []core.MessageKind {
	out := make([]core.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestDispatcher_StartScenario(t *testing.T) {
	runner := &testutil.FakeRunner{Lines: testutil.Stdout("line1\n", "line2\n", "line3\n")}
	h := newHarness(t, validation.NewStartGate(core.RunConfig{}), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-1").Server(serverID).Command("echo").Build())

	execution := h.waitStatus("inv-1", core.ExecutionStatusFinished)
	assert.Equal(t, "worker-a (gpu)", execution.ServerInfo)
	assert.Len(t, execution.CacheHash, 64)
	require.NotNil(t, execution.FinishedAt)

	msgs := h.waitMessages("inv-1", 5)
	assert.Equal(t, []core.MessageKind{
		core.MessageKindExecutionStarted,
		core.MessageKindStdout,
		core.MessageKindStdout,
		core.MessageKindStdout,
		core.MessageKindExecutionFinished,
	}, kinds(msgs))
	for i, m := range msgs[1:4] {
		assert.Equal(t, i, m.Index)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Timestamp.IsZero())
	}
	assert.Equal(t, 3, msgs[4].Index)

	require.Eventually(t, func() bool {
		_, err := h.archive.Get(context.Background(), "inv-1")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	transcript, err := h.d.Transcript(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, kinds(msgs), kinds(transcript))
}

func TestDispatcher_RejectedScenario(t *testing.T) {
	runner := &testutil.FakeRunner{}
	h := newHarness(t, testutil.RejectGate("quota exceeded"), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-2").Server(serverID).Build())

	msgs := h.waitMessages("inv-2", 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.MessageKindExecutionRejected, msgs[0].Kind)
	assert.Equal(t, "quota exceeded", msgs[0].Data)
	assert.Equal(t, 0, msgs[0].Index)
	require.NotNil(t, msgs[0].VirtualIndex)
	assert.Equal(t, 0, *msgs[0].VirtualIndex)

	_, err := h.store.GetExecution(context.Background(), "inv-2")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, runner.Runs())
}

func TestDispatcher_FaultIsContained(t *testing.T) {
	runner := &testutil.FakeRunner{Lines: testutil.Stdout("partial"), Err: errors.New("engine crashed")}
	h := newHarness(t, testutil.ApproveGate(core.RunConfig{Command: "x"}), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-bad").Server(serverID).Build())
	h.waitStatus("inv-bad", core.ExecutionStatusFailed)
	assert.Contains(t, runner.Stops(), "inv-bad")

	msgs := h.waitMessages("inv-bad", 2)
	assert.NotContains(t, kinds(msgs), core.MessageKindExecutionFinished)

	// The feed keeps serving after a failed pipeline.
	runner.SetErr(nil)
	h.publish(testutil.NewInvocationBuilder().ID("inv-good").Server(serverID).Build())
	h.waitStatus("inv-good", core.ExecutionStatusFinished)
}

func TestDispatcher_GateFaultDoesNotStopFeed(t *testing.T) {
	runner := &testutil.FakeRunner{}
	h := newHarness(t, testutil.FaultGate(errors.New("gate down")), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-a").Server(serverID).Build())
	require.Eventually(t, func() bool {
		for _, id := range runner.Stops() {
			if id == "inv-a" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	h.publish(testutil.NewInvocationBuilder().ID("inv-b").Server(serverID).Build())
	require.Eventually(t, func() bool { return len(runner.Stops()) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestDispatcher_StopApproved(t *testing.T) {
	runner := &testutil.FakeRunner{Lines: testutil.Stdout("working"), Block: true}
	h := newHarness(t, testutil.ApproveGate(core.RunConfig{Command: "x"}), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-long").User("alice").Server(serverID).Build())
	h.waitMessages("inv-long", 2)

	h.publish(testutil.NewInvocationBuilder().User("alice").Server(serverID).Stop("inv-long").Build())

	h.waitStatus("inv-long", core.ExecutionStatusFinished)
	assert.Equal(t, []string{"inv-long"}, runner.Stops())

	msgs := h.waitMessages("inv-long", 3)
	assert.Equal(t, core.MessageKindExecutionFinished, msgs[len(msgs)-1].Kind)
}

func TestDispatcher_StopWithoutRecordIsNoop(t *testing.T) {
	runner := &testutil.FakeRunner{}
	h := newHarness(t, testutil.ApproveGate(core.RunConfig{Command: "x"}), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().Server(serverID).Stop("does-not-exist").Build())
	h.publish(testutil.NewInvocationBuilder().ID("inv-after").Server(serverID).Build())
	h.waitStatus("inv-after", core.ExecutionStatusFinished)

	assert.Empty(t, runner.Stops())
}

func TestDispatcher_WaitsForServerIdentity(t *testing.T) {
	s := store.NewInMemoryStore()
	d := New(s, &testutil.FakeRunner{}, testutil.RejectGate("no"), validation.NewStopGate(s), func(o *Options) {
		o.ServerID = "late-server"
		o.ServerPollInterval = 5 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	_, err := d.Server()
	assert.ErrorIs(t, err, ErrNotReady)

	select {
	case <-d.Ready():
		t.Fatal("ready before the server was registered")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.PutServer(ctx, core.Server{ID: "late-server", Name: "late", HardwareType: "cpu"}))

	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never became ready")
	}

	server, err := d.Server()
	require.NoError(t, err)
	assert.Equal(t, "late (cpu)", server.Info())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDispatcher_RequiresServerID(t *testing.T) {
	s := store.NewInMemoryStore()
	d := New(s, &testutil.FakeRunner{}, testutil.RejectGate("no"), validation.NewStopGate(s))
	assert.Error(t, d.Run(context.Background()))
}

func TestDispatcher_WatchJoinsRunningExecution(t *testing.T) {
	runner := &testutil.FakeRunner{Lines: testutil.Stdout("a", "b"), Block: true}
	h := newHarness(t, testutil.ApproveGate(core.RunConfig{Command: "x"}), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-view").Server(serverID).Build())
	h.waitMessages("inv-view", 3)

	sub, ok := h.d.Watch(context.Background(), "inv-view")
	require.True(t, ok)

	require.NoError(t, runner.Stop(context.Background(), "inv-view"))

	var got []core.ExecutionMessage
	for out := range sub.C {
		got = append(got, out.Message)
	}
	require.NoError(t, sub.Err())
	assert.Equal(t, []core.MessageKind{
		core.MessageKindExecutionStarted,
		core.MessageKindStdout,
		core.MessageKindStdout,
		core.MessageKindExecutionFinished,
	}, kinds(got))

	_, ok = h.d.Watch(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestDispatcher_TranscriptWithoutArchive(t *testing.T) {
	s := store.NewInMemoryStore()
	d := New(s, &testutil.FakeRunner{}, testutil.RejectGate("no"), validation.NewStopGate(s))
	_, err := d.Transcript(context.Background(), "x")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

// droppingFeed closes its first subscription right away, as a backend does
// when its connection is lost.
type droppingFeed struct {
	*store.InMemoryStore

	mu         sync.Mutex
	subscribes int
}

func (f *droppingFeed) SubscribeInvocations(ctx context.Context, serverID string) (<-chan core.Invocation, <-chan error, error) {
	f.mu.Lock()
	first := f.subscribes == 0
	f.mu.Unlock()

	var (
		invCh <-chan core.Invocation
		errCh <-chan error
		err   error
	)
	if first {
		inv := make(chan core.Invocation)
		errs := make(chan error, 1)
		errs <- errors.New("connection lost")
		close(errs)
		close(inv)
		invCh, errCh = inv, errs
	} else {
		invCh, errCh, err = f.InMemoryStore.SubscribeInvocations(ctx, serverID)
	}

	f.mu.Lock()
	f.subscribes++
	f.mu.Unlock()

	return invCh, errCh, err
}

func (f *droppingFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func TestDispatcher_ResubscribesWhenFeedCloses(t *testing.T) {
	feed := &droppingFeed{InMemoryStore: store.NewInMemoryStore()}
	require.NoError(t, feed.PutServer(context.Background(), core.Server{ID: serverID, Name: "worker-a", HardwareType: "gpu"}))

	runner := &testutil.FakeRunner{Lines: testutil.Stdout("ok\n")}
	d := New(feed, runner, validation.NewStartGate(core.RunConfig{}), validation.NewStopGate(feed), func(o *Options) {
		o.ServerID = serverID
		o.ServerPollInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
		d.Wait()
	})

	require.Eventually(t, func() bool { return feed.count() >= 2 }, 5*time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Run returned while its context was alive: %v", err)
	default:
	}

	require.NoError(t, feed.PublishInvocation(context.Background(),
		testutil.NewInvocationBuilder().ID("after-drop").Server(serverID).Command("echo").Build()))

	require.Eventually(t, func() bool {
		e, err := feed.GetExecution(context.Background(), "after-drop")
		return err == nil && e.Status == core.ExecutionStatusFinished
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDispatcher_ShutdownMarksRunningExecutionFailed(t *testing.T) {
	runner := &testutil.FakeRunner{Lines: testutil.Stdout("partial\n"), Block: true}
	h := newHarness(t, testutil.ApproveGate(core.RunConfig{Command: "x"}), runner)
	h.waitReady()

	h.publish(testutil.NewInvocationBuilder().ID("inv-shutdown").Server(serverID).Build())
	h.waitMessages("inv-shutdown", 2)

	h.cancel()

	execution := h.waitStatus("inv-shutdown", core.ExecutionStatusFailed)
	require.NotNil(t, execution.FinishedAt)

	msgs, err := h.store.ListMessages(context.Background(), "inv-shutdown")
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, core.MessageKindExecutionFinished, m.Kind)
	}
}
