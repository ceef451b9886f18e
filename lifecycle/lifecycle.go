// Package lifecycle writes execution records and execution messages to the
// durable store.
//
// Every write is independent and failures never propagate: they are logged
// and counted, and the stream carries on.
package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/logging"
	"github.com/hupe1980/execmesh/metrics"
)

// Options holds dependency overrides passed to New().
type Options struct {
	// NewID allocates durable message ids.
	NewID func() string
	// Logging services.
	Logger logging.Logger
	// Metrics counts persisted and failed writes.
	Metrics *metrics.Recorder
}

// Tracker records the lifecycle of executions hosted by one server.
type Tracker struct {
	server     core.Server
	executions core.ExecutionStore
	messages   core.MessageStore

	newID   func() string
	logger  logging.Logger
	metrics *metrics.Recorder
}

// New constructs a Tracker for executions running on server.
func New(server core.Server, executions core.ExecutionStore, messages core.MessageStore, optFns ...func(o *Options)) *Tracker {
	opts := Options{
		NewID:  uuid.NewString,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Tracker{
		server:     server,
		executions: executions,
		messages:   messages,
		newID:      opts.NewID,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// CreateExecutionRecord writes the Executing record for inv. The execution
// id is the invocation id.
func (t *Tracker) CreateExecutionRecord(ctx context.Context, inv core.Invocation, cacheHash string) {
	execution := core.Execution{
		ID:           inv.ID,
		CacheHash:    cacheHash,
		Lab:          labOf(inv),
		ServerInfo:   t.server.Info(),
		HardwareType: t.server.HardwareType,
		ServerID:     t.server.ID,
		UserID:       inv.UserID,
		Status:       core.ExecutionStatusExecuting,
	}

	if err := t.executions.CreateExecution(ctx, execution); err != nil {
		t.logger.Error("Failed to create execution record", "execution_id", inv.ID, "error", err)
		return
	}

	t.metrics.ExecutionStarted(ctx)
	t.logger.Debug("Execution record created", "execution_id", inv.ID, "cache_hash", cacheHash)
}

// CompleteExecution sets the final status of the execution for inv.
func (t *Tracker) CompleteExecution(ctx context.Context, inv core.Invocation, status core.ExecutionStatus) {
	if err := t.executions.CompleteExecution(ctx, inv.ID, status); err != nil {
		t.logger.Error("Failed to complete execution record", "execution_id", inv.ID, "status", status, "error", err)
		return
	}

	t.metrics.ExecutionCompleted(ctx, status)
	t.logger.Debug("Execution record completed", "execution_id", inv.ID, "status", status)
}

// PersistMessage stores msg under the execution of inv with a fresh id.
func (t *Tracker) PersistMessage(ctx context.Context, msg core.ExecutionMessage, inv core.Invocation) {
	msg.ID = t.newID()

	if _, err := t.messages.AppendMessage(ctx, inv.ID, msg); err != nil {
		t.metrics.PersistFailed(ctx)
		t.logger.Error("Failed to persist execution message",
			"execution_id", inv.ID, "message_id", msg.ID, "index", msg.Index, "error", err)
		return
	}

	t.metrics.MessagePersisted(ctx, msg.Kind)
}

// labOf returns the lab description stored on the record: data.lab when
// present, else the whole run specification.
func labOf(inv core.Invocation) map[string]any {
	if lab, ok := inv.Data["lab"].(map[string]any); ok {
		return lab
	}
	return inv.Data
}
