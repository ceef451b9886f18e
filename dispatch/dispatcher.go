package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/execmesh/archive"
	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/internal/backoff"
	"github.com/hupe1980/execmesh/lifecycle"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/metrics"
	"github.com/hupe1980/execmesh/recycle"
	"github.com/hupe1980/execmesh/stream"
)

// maxResubscribeDelay caps the backoff between feed resubscriptions.
const maxResubscribeDelay = 30 * time.Second

// ErrNotReady is returned by operations that need the server identity
// before Run resolved it.
var ErrNotReady = errors.New("dispatcher not ready")

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// ServerID scopes the invocation feed. Required.
	ServerID string
	// ServerPollInterval is the retry interval while the server identity is
	// not registered yet.
	ServerPollInterval time.Duration
	// MaxMessages caps stored output per execution.
	MaxMessages int
	// EventBufferSize sets channel buffering between stages.
	EventBufferSize int
	// Retention keeps finished streams joinable for this long.
	Retention time.Duration
	// Archive receives the transcript of every completed execution. Optional.
	Archive archive.Store
	// Logging services.
	Logger logging.Logger
	// Metrics records pipeline counters. Optional.
	Metrics *metrics.Recorder
}

// Dispatcher routes invocations from the feed to the start and stop
// pipelines. Public methods are safe for concurrent use.
type Dispatcher struct {
	store     core.Store
	runner    core.CodeRunner
	startGate core.Gate
	stopGate  core.Gate

	serverID           string
	serverPollInterval time.Duration
	maxMessages        int
	eventBufferSize    int
	archive            archive.Store
	logger             logging.Logger
	metrics            *metrics.Recorder

	mux         *recycle.Multiplexer[stream.Output]
	server      core.Server
	tracker     *lifecycle.Tracker
	transformer *stream.Transformer
	ready       chan struct{}
	readyOnce   sync.Once

	inflight sync.WaitGroup
}

// New constructs a Dispatcher with optional overrides.
func New(store core.Store, runner core.CodeRunner, startGate, stopGate core.Gate, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		ServerPollInterval: 2 * time.Second,
		MaxMessages:        stream.MaxMessagesCount,
		EventBufferSize:    64,
		Retention:          recycle.DefaultRetention,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Dispatcher{
		store:              store,
		runner:             runner,
		startGate:          startGate,
		stopGate:           stopGate,
		serverID:           opts.ServerID,
		serverPollInterval: opts.ServerPollInterval,
		maxMessages:        opts.MaxMessages,
		eventBufferSize:    opts.EventBufferSize,
		archive:            opts.Archive,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		mux: recycle.New[stream.Output](func(o *recycle.Options) {
			o.Retention = opts.Retention
			o.BufferSize = opts.EventBufferSize
		}),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the server identity is known and the feed is being
// consumed.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Server returns the resolved server identity.
func (d *Dispatcher) Server() (core.Server, error) {
	select {
	case <-d.ready:
		return d.server, nil
	default:
		return core.Server{}, ErrNotReady
	}
}

// Run consumes the invocation feed until ctx ends. A feed that closes early
// is resubscribed with backoff. Run returns nil on a clean shutdown and an
// error only if the feed cannot be opened initially. Run must be called at
// most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.serverID == "" {
		return errors.New("dispatcher requires a server id")
	}

	server, err := d.awaitServer(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	d.server = *server
	d.tracker = lifecycle.New(d.server, d.store, d.store, func(o *lifecycle.Options) {
		o.Logger = d.logger
		o.Metrics = d.metrics
	})
	d.transformer = stream.New(d.startGate, d.runner, d.tracker, func(o *stream.Options) {
		o.MaxMessages = d.maxMessages
		o.EventBufferSize = d.eventBufferSize
		o.Multiplexer = d.mux
		o.Logger = d.logger
		o.Metrics = d.metrics
	})

	invCh, errCh, err := d.store.SubscribeInvocations(ctx, d.serverID)
	if err != nil {
		return fmt.Errorf("subscribe invocations: %w", err)
	}

	b := newBroadcaster[core.Invocation]()
	starts := b.register(core.Invocation.IsStart, d.eventBufferSize)
	stops := b.register(core.Invocation.IsStop, d.eventBufferSize)

	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		for inv := range starts {
			d.handleStart(ctx, inv)
		}
	}()
	go func() {
		defer consumers.Done()
		for inv := range stops {
			d.handleStop(ctx, inv)
		}
	}()

	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info("Dispatcher listening for invocations", "server_id", d.serverID, "server_info", d.server.Info())

	d.follow(ctx, b, invCh, errCh)

	b.close()
	consumers.Wait()

	d.logger.Info("Dispatcher stopped", "server_id", d.serverID)

	return nil
}

// follow consumes the feed, resubscribing whenever it closes before ctx
// ends.
func (d *Dispatcher) follow(ctx context.Context, b *broadcaster[core.Invocation], invCh <-chan core.Invocation, errCh <-chan error) {
	retry := backoff.Exponential{Base: d.serverPollInterval, Max: maxResubscribeDelay}

	for {
		closed, delivered := d.consume(ctx, b, invCh, errCh)
		if !closed {
			return
		}
		if delivered > 0 {
			retry.Reset()
		}

		for {
			delay := retry.Next()
			d.logger.Warn("Invocation feed closed, resubscribing", "server_id", d.serverID, "retry_in", delay)
			if !backoff.Sleep(ctx, delay) {
				return
			}

			var err error
			invCh, errCh, err = d.store.SubscribeInvocations(ctx, d.serverID)
			if err == nil {
				break
			}
			d.logger.Error("Resubscribing to invocation feed failed", "server_id", d.serverID, "error", err)
		}
	}
}

// consume forwards invocations until ctx ends or the feed closes. It
// reports whether the feed closed on its own and how many invocations it
// delivered.
func (d *Dispatcher) consume(ctx context.Context, b *broadcaster[core.Invocation], invCh <-chan core.Invocation, errCh <-chan error) (closed bool, delivered int) {
	for {
		select {
		case <-ctx.Done():
			return false, delivered
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			d.logger.Error("Invocation feed failed", "server_id", d.serverID, "error", err)
		case inv, ok := <-invCh:
			if !ok {
				return ctx.Err() == nil, delivered
			}
			delivered++
			d.metrics.InvocationReceived(ctx, inv.Type)
			if !inv.IsStart() && !inv.IsStop() {
				d.logger.Warn("Ignoring invocation of unknown type", "invocation_id", inv.ID, "type", inv.Type)
				continue
			}
			if err := b.publish(ctx, inv); err != nil {
				return false, delivered
			}
		}
	}
}

// awaitServer polls the registry until the server identity resolves.
func (d *Dispatcher) awaitServer(ctx context.Context) (*core.Server, error) {
	for {
		server, err := d.store.GetServer(ctx, d.serverID)
		if err == nil {
			return server, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			d.logger.Warn("Resolving server identity failed", "server_id", d.serverID, "error", err)
		} else {
			d.logger.Debug("Server identity not registered yet", "server_id", d.serverID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.serverPollInterval):
		}
	}
}

// handleStart runs the start pipeline of inv in its own goroutine.
func (d *Dispatcher) handleStart(ctx context.Context, inv core.Invocation) {
	d.inflight.Add(1)

	go func() {
		defer d.inflight.Done()
		d.processStart(ctx, inv)
	}()
}

func (d *Dispatcher) processStart(ctx context.Context, inv core.Invocation) {
	began := time.Now()
	persisted := 0

	defer func() {
		if r := recover(); r != nil {
			d.fail(ctx, inv, fmt.Errorf("panic: %v", r))
		}
	}()

	persistCtx := context.WithoutCancel(ctx)

	outCh, errCh := d.transformer.OutputStream(ctx, inv)
	for out := range outCh {
		d.tracker.PersistMessage(persistCtx, out.Message, out.Invocation)
		persisted++
	}

	if err := <-errCh; err != nil {
		d.fail(ctx, inv, err)
		return
	}

	if ctx.Err() != nil {
		d.interrupted(inv, persisted)
		return
	}

	d.archiveTranscript(persistCtx, inv)

	if s, ok := d.logger.(executionSummary); ok {
		s.LogExecution(inv.ID, persisted, time.Since(began), true, nil)
		return
	}
	d.logger.Info("Execution stream completed",
		"invocation_id", inv.ID, "messages", persisted, "duration", time.Since(began))
}

// executionSummary is implemented by loggers with a dedicated summary entry,
// such as logging.ExecMeshLogger.
type executionSummary interface {
	LogExecution(executionID string, messages int, dur time.Duration, success bool, err error)
}

var _ executionSummary = (*logging.ExecMeshLogger)(nil)

// interrupted waits for the producer of inv to end after a shutdown and
// marks a still executing record Failed.
func (d *Dispatcher) interrupted(inv core.Invocation, persisted int) {
	ctx := context.Background()

	if sub, ok := d.mux.Subscribe(ctx, inv.ID); ok {
		for range sub.C {
		}
	}

	execution, err := d.store.GetExecution(ctx, inv.ID)
	if err != nil || execution.Status != core.ExecutionStatusExecuting {
		d.logger.Debug("Interrupted stream left no running execution", "invocation_id", inv.ID)
		return
	}

	d.tracker.CompleteExecution(ctx, inv, core.ExecutionStatusFailed)

	d.logger.Warn("Execution interrupted by shutdown", "invocation_id", inv.ID, "messages", persisted)
}

// fail contains a pipeline fault: best-effort stop, mark failed, log.
func (d *Dispatcher) fail(ctx context.Context, inv core.Invocation, cause error) {
	ctx = context.WithoutCancel(ctx)

	if err := d.runner.Stop(ctx, inv.ID); err != nil {
		d.logger.Debug("Best-effort stop after failure", "invocation_id", inv.ID, "error", err)
	}

	d.tracker.CompleteExecution(ctx, inv, core.ExecutionStatusFailed)

	d.logger.Error("Execution pipeline failed", "invocation_id", inv.ID, "error", cause)
}

func (d *Dispatcher) handleStop(ctx context.Context, inv core.Invocation) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Stop handling panicked", "invocation_id", inv.ID, "panic", r)
		}
	}()

	vc, err := d.stopGate.Validate(ctx, inv)
	if err != nil {
		d.logger.Error("Stop validation failed", "invocation_id", inv.ID, "error", err)
		return
	}

	execution, ok := core.Resolved[*core.Execution](vc, core.ResolverExecution)
	if !vc.IsApproved() || !ok {
		d.logger.Info("Request to stop invocation was invalid", "invocation_id", inv.ID, "reason", vc.ValidationResult)
		return
	}

	if err := d.runner.Stop(ctx, execution.ID); err != nil {
		d.logger.Warn("Stopping execution failed", "execution_id", execution.ID, "error", err)
		return
	}

	d.logger.Info("Execution stop requested", "execution_id", execution.ID, "invocation_id", inv.ID)
}

func (d *Dispatcher) archiveTranscript(ctx context.Context, inv core.Invocation) {
	if d.archive == nil {
		return
	}

	outputs, ok := d.mux.Snapshot(inv.ID)
	if !ok {
		return
	}

	msgs := make([]core.ExecutionMessage, len(outputs))
	for i, o := range outputs {
		msgs[i] = o.Message
	}

	data, err := archive.EncodeTranscript(msgs)
	if err != nil {
		d.logger.Error("Encoding transcript failed", "execution_id", inv.ID, "error", err)
		return
	}

	if err := d.archive.Save(ctx, inv.ID, data); err != nil {
		d.logger.Error("Archiving transcript failed", "execution_id", inv.ID, "error", err)
	}
}

// Watch joins the message stream of a running or recently finished
// invocation, replaying what was produced so far. It reports false when the
// stream is not held (never started here, or evicted).
func (d *Dispatcher) Watch(ctx context.Context, invocationID string) (*recycle.Subscription[stream.Output], bool) {
	return d.mux.Subscribe(ctx, invocationID)
}

// Transcript returns the archived messages of a completed execution.
func (d *Dispatcher) Transcript(ctx context.Context, executionID string) ([]core.ExecutionMessage, error) {
	if d.archive == nil {
		return nil, fmt.Errorf("no archive configured: %w", archive.ErrNotFound)
	}

	data, err := d.archive.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return archive.DecodeTranscript(data)
}

// Wait blocks until every in-flight start pipeline has ended. Call it after
// Run returned.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
