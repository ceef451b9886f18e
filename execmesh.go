// Package execmesh provides a high-level façade over the dispatcher and its
// collaborators (store, runner, validation gates, archive, logging) for
// hosting remote code executions. Most applications interact with this
// package by:
//  1. Creating an ExecMesh via New() (optionally overriding the default
//     in-memory store and local process runner)
//  2. Registering the server identity (RegisterServer) and calling Run
//  3. Publishing invocations (Publish) and following their output (Watch,
//     ExecuteSync)
//
// All defaults are safe for local development and testing; production
// deployments supply a durable store, an archive and a structured logger.
package execmesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/execmesh/archive"
	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/dispatch"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/metrics"
	"github.com/hupe1980/execmesh/recycle"
	"github.com/hupe1980/execmesh/runner"
	"github.com/hupe1980/execmesh/store"
	"github.com/hupe1980/execmesh/stream"
	"github.com/hupe1980/execmesh/validation"
)

// ErrUnsupported is returned when the configured store lacks an optional
// capability.
var ErrUnsupported = errors.New("operation not supported by store")

// InvocationPublisher appends invocations to a feed.
type InvocationPublisher interface {
	PublishInvocation(ctx context.Context, inv core.Invocation) error
}

// ServerRegistrar registers server identities.
type ServerRegistrar interface {
	PutServer(ctx context.Context, server core.Server) error
}

// Options configures the ExecMesh instance.
type Options struct {
	// ServerID scopes the invocation feed. Required.
	ServerID string

	// Store (defaults to an in-memory store).
	Store core.Store
	// Runner (defaults to the local process runner).
	Runner core.CodeRunner

	// StartGate and StopGate default to validation.NewStartGate with
	// DefaultRunConfig plus StartRules, and validation.NewStopGate.
	StartGate        core.Gate
	StopGate         core.Gate
	DefaultRunConfig core.RunConfig
	StartRules       []validation.Rule

	// MaxMessages caps stored output per execution.
	MaxMessages int
	// EventBufferSize sets channel buffering between stages.
	EventBufferSize int
	// Retention keeps finished streams joinable.
	Retention time.Duration
	// ServerPollInterval is the retry interval while the server identity is
	// unknown.
	ServerPollInterval time.Duration

	// Archive stores transcripts of completed executions. Optional.
	Archive archive.Store

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
	// Metrics (defaults to a recorder on the global meter provider)
	Metrics *metrics.Recorder
}

// ExecMesh is the high-level façade aggregating the dispatcher and services.
type ExecMesh struct {
	opts       Options
	dispatcher *dispatch.Dispatcher
}

// New creates a new ExecMesh instance with optional overrides.
func New(optFns ...func(o *Options)) *ExecMesh {
	opts := Options{
		MaxMessages:        stream.MaxMessagesCount,
		EventBufferSize:    64,
		Retention:          recycle.DefaultRetention,
		ServerPollInterval: 2 * time.Second,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore()
	}
	if opts.Runner == nil {
		opts.Runner = runner.New(func(o *runner.Options) { o.Logger = opts.Logger })
	}
	if opts.StartGate == nil {
		opts.StartGate = validation.NewStartGate(opts.DefaultRunConfig, opts.StartRules...)
	}
	if opts.StopGate == nil {
		opts.StopGate = validation.NewStopGate(opts.Store)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewFromGlobal()
	}

	d := dispatch.New(opts.Store, opts.Runner, opts.StartGate, opts.StopGate, func(o *dispatch.Options) {
		o.ServerID = opts.ServerID
		o.ServerPollInterval = opts.ServerPollInterval
		o.MaxMessages = opts.MaxMessages
		o.EventBufferSize = opts.EventBufferSize
		o.Retention = opts.Retention
		o.Archive = opts.Archive
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	return &ExecMesh{opts: opts, dispatcher: d}
}

// Store returns the configured store.
func (m *ExecMesh) Store() core.Store { return m.opts.Store }

// Dispatcher returns the underlying dispatcher.
func (m *ExecMesh) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// RegisterServer records the server identity in the store.
func (m *ExecMesh) RegisterServer(ctx context.Context, server core.Server) error {
	r, ok := m.opts.Store.(ServerRegistrar)
	if !ok {
		return fmt.Errorf("register server: %w", ErrUnsupported)
	}
	return r.PutServer(ctx, server)
}

// Run consumes invocations until ctx ends, then waits for in-flight
// executions to drain.
func (m *ExecMesh) Run(ctx context.Context) error {
	err := m.dispatcher.Run(ctx)
	m.dispatcher.Wait()
	return err
}

// Ready is closed once invocations are being consumed.
func (m *ExecMesh) Ready() <-chan struct{} { return m.dispatcher.Ready() }

// Publish appends inv to the feed of its server (ServerID defaults to the
// configured one).
func (m *ExecMesh) Publish(ctx context.Context, inv core.Invocation) error {
	p, ok := m.opts.Store.(InvocationPublisher)
	if !ok {
		return fmt.Errorf("publish invocation: %w", ErrUnsupported)
	}
	if inv.ServerID == "" {
		inv.ServerID = m.opts.ServerID
	}
	return p.PublishInvocation(ctx, inv)
}

// Watch joins the message stream of an invocation.
func (m *ExecMesh) Watch(ctx context.Context, invocationID string) (*recycle.Subscription[stream.Output], bool) {
	return m.dispatcher.Watch(ctx, invocationID)
}

// ExecuteSync is a synchronous helper that publishes inv, follows its stream
// and returns every message once the stream ends. Run must be active.
func (m *ExecMesh) ExecuteSync(ctx context.Context, inv core.Invocation) ([]core.ExecutionMessage, error) {
	if err := m.Publish(ctx, inv); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var sub *recycle.Subscription[stream.Output]
	for sub == nil {
		if s, ok := m.dispatcher.Watch(ctx, inv.ID); ok {
			sub = s
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var msgs []core.ExecutionMessage
	for out := range sub.C {
		msgs = append(msgs, out.Message)
	}

	return msgs, sub.Err()
}
