package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/fingerprint"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/metrics"
	"github.com/hupe1980/execmesh/recycle"
)

// StartedText is the data of the synthetic ExecutionStarted message.
const StartedText = "\r\nExecution started... (this might take a little while)\r\n"

// UnresolvedConfigText is the rejection reason used when an approved
// invocation resolves no run configuration and the gate gave no reason.
const UnresolvedConfigText = "Could not resolve a run configuration for this invocation"

// Output pairs an emitted message with the invocation it belongs to.
type Output struct {
	Message    core.ExecutionMessage
	Invocation core.Invocation
}

// Tracker records the lifecycle of executions created by the Transformer.
type Tracker interface {
	CreateExecutionRecord(ctx context.Context, inv core.Invocation, cacheHash string)
	CompleteExecution(ctx context.Context, inv core.Invocation, status core.ExecutionStatus)
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// MaxMessages caps the output kept per execution (see ApplyCapacity).
	MaxMessages int
	// EventBufferSize sets channel buffering between pipeline stages.
	EventBufferSize int
	// Multiplexer recycles streams by invocation id. A private one is
	// created when nil.
	Multiplexer *recycle.Multiplexer[Output]
	// Hash computes the cache hash of the invocation data.
	Hash func(data any) (string, error)
	// Logging services.
	Logger logging.Logger
	// Metrics records dropped messages and rejections.
	Metrics *metrics.Recorder
}

// Transformer produces the message stream of start invocations. Public
// methods are safe for concurrent use.
type Transformer struct {
	gate    core.Gate
	runner  core.CodeRunner
	tracker Tracker

	maxMessages     int
	eventBufferSize int
	mux             *recycle.Multiplexer[Output]
	hash            func(data any) (string, error)
	logger          logging.Logger
	metrics         *metrics.Recorder
}

// New constructs a Transformer with optional overrides.
func New(gate core.Gate, runner core.CodeRunner, tracker Tracker, optFns ...func(o *Options)) *Transformer {
	opts := Options{
		MaxMessages:     MaxMessagesCount,
		EventBufferSize: 64,
		Hash:            fingerprint.CacheHash,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Multiplexer == nil {
		opts.Multiplexer = recycle.New[Output]()
	}

	return &Transformer{
		gate:            gate,
		runner:          runner,
		tracker:         tracker,
		maxMessages:     opts.MaxMessages,
		eventBufferSize: opts.EventBufferSize,
		mux:             opts.Multiplexer,
		hash:            opts.Hash,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
}

// Multiplexer returns the multiplexer the Transformer publishes through.
func (t *Transformer) Multiplexer() *recycle.Multiplexer[Output] { return t.mux }

// OutputStream starts the pipeline for inv and returns its messages. The
// output channel is closed when the stream ends; the error channel carries
// at most one pipeline fault and is closed after it.
//
// Calling OutputStream again for an invocation id that is still held by the
// multiplexer joins the existing stream instead of running it twice.
func (t *Transformer) OutputStream(ctx context.Context, inv core.Invocation) (<-chan Output, <-chan error) {
	outCh := make(chan Output, t.eventBufferSize)
	errCh := make(chan error, 1)

	sub, started := t.mux.Open(ctx, inv.ID, func() (<-chan Output, <-chan error) {
		rawCh := make(chan Output, t.eventBufferSize)
		rawErrCh := make(chan error, 1)

		go t.produce(ctx, inv, rawCh, rawErrCh)

		return rawCh, rawErrCh
	})
	if !started {
		t.logger.Debug("Joined running stream", "invocation_id", inv.ID)
	}

	go t.forward(ctx, sub, outCh, errCh)

	return outCh, errCh
}

func (t *Transformer) forward(ctx context.Context, sub *recycle.Subscription[Output], outCh chan<- Output, errCh chan<- error) {
	defer func() { close(outCh); close(errCh) }()

	for o := range sub.C {
		select {
		case <-ctx.Done():
			return
		case outCh <- o:
		}
	}

	if err := sub.Err(); err != nil && ctx.Err() == nil {
		errCh <- err
	}
}

func (t *Transformer) produce(ctx context.Context, inv core.Invocation, rawCh chan<- Output, rawErrCh chan<- error) {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream pipeline panic: %v", r)
		}
		if err != nil {
			rawErrCh <- err
		}
		close(rawErrCh)
		close(rawCh)
	}()

	err = t.run(ctx, inv, func(msg core.ExecutionMessage) {
		msg.TerminalMode = true

		msg, keep := ApplyCapacity(msg, t.maxMessages)
		if !keep {
			t.metrics.MessageDropped(ctx)
			return
		}

		rawCh <- Output{Message: msg, Invocation: inv}
	})
}

// run executes the staged pipeline, handing every message to emit in order.
func (t *Transformer) run(ctx context.Context, inv core.Invocation, emit func(core.ExecutionMessage)) error {
	// Tracker writes must land even if the caller stops listening.
	trackCtx := context.WithoutCancel(ctx)

	cacheHash, err := t.hash(inv.Data)
	if err != nil {
		return fmt.Errorf("compute cache hash: %w", err)
	}

	vc, err := t.gate.Validate(ctx, inv)
	if err != nil {
		return fmt.Errorf("validate invocation %s: %w", inv.ID, err)
	}

	cfg, resolved := core.Resolved[core.RunConfig](vc, core.ResolverLabConfig)
	if !vc.IsApproved() || !resolved {
		reason := ""
		if vc != nil {
			reason = vc.ValidationResult
		}
		if reason == "" && vc.IsApproved() {
			reason = UnresolvedConfigText
		}

		t.logger.Info("Invocation rejected", "invocation_id", inv.ID, "reason", reason)
		t.metrics.ExecutionRejected(ctx)

		zero := 0
		emit(core.ExecutionMessage{
			Kind:         core.MessageKindExecutionRejected,
			Data:         reason,
			Index:        0,
			VirtualIndex: &zero,
		})

		return nil
	}

	t.tracker.CreateExecutionRecord(trackCtx, inv, cacheHash)

	emit(core.ExecutionMessage{
		Kind:  core.MessageKindExecutionStarted,
		Data:  StartedText,
		Index: core.Unindexed,
	})

	dataCh, runErrCh := t.runner.Run(ctx, inv, cfg)

	index := 0
	for data := range dataCh {
		emit(core.ExecutionMessage{
			Kind:  core.ToMessageKind(data.Origin),
			Data:  data.Str,
			Index: index,
		})
		index++
	}

	var runErr error
	if runErrCh != nil {
		runErr = <-runErrCh
	}

	// A cancelled caller context is a shutdown, not a completion.
	if ctx.Err() != nil {
		return fmt.Errorf("execution %s interrupted: %w", inv.ID, ctx.Err())
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run execution %s: %w", inv.ID, runErr)
	}

	t.tracker.CompleteExecution(trackCtx, inv, core.ExecutionStatusFinished)

	emit(core.ExecutionMessage{
		Kind:  core.MessageKindExecutionFinished,
		Index: index,
	})

	t.logger.Debug("Execution stream finished", "invocation_id", inv.ID, "outputs", index)

	return nil
}
