// Package metrics exposes OpenTelemetry instruments for the execution
// pipeline: invocations received, executions started / completed, and the
// fate of every output message (persisted, dropped by the capacity policy,
// failed to persist).
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hupe1980/execmesh/core"
)

// InstrumentationName is the meter name used by NewFromGlobal.
const InstrumentationName = "github.com/hupe1980/execmesh"

// Recorder records pipeline metrics.
type Recorder struct {
	invocations       metric.Int64Counter
	rejections        metric.Int64Counter
	executionsStarted metric.Int64Counter
	executionsDone    metric.Int64Counter
	activeExecutions  metric.Int64UpDownCounter
	messagesPersisted metric.Int64Counter
	messagesDropped   metric.Int64Counter
	persistFailures   metric.Int64Counter
}

// New creates a Recorder whose instruments come from meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}

	var err error
	if r.invocations, err = meter.Int64Counter("execmesh.invocations",
		metric.WithDescription("Invocations observed on the feed"),
		metric.WithUnit("{invocation}")); err != nil {
		return nil, fmt.Errorf("create invocations counter: %w", err)
	}
	if r.rejections, err = meter.Int64Counter("execmesh.executions.rejected",
		metric.WithDescription("Start invocations rejected by validation"),
		metric.WithUnit("{invocation}")); err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}
	if r.executionsStarted, err = meter.Int64Counter("execmesh.executions.started",
		metric.WithDescription("Execution records created"),
		metric.WithUnit("{execution}")); err != nil {
		return nil, fmt.Errorf("create executions started counter: %w", err)
	}
	if r.executionsDone, err = meter.Int64Counter("execmesh.executions.completed",
		metric.WithDescription("Execution records completed, by status"),
		metric.WithUnit("{execution}")); err != nil {
		return nil, fmt.Errorf("create executions completed counter: %w", err)
	}
	if r.activeExecutions, err = meter.Int64UpDownCounter("execmesh.executions.active",
		metric.WithDescription("Executions currently running"),
		metric.WithUnit("{execution}")); err != nil {
		return nil, fmt.Errorf("create active executions counter: %w", err)
	}
	if r.messagesPersisted, err = meter.Int64Counter("execmesh.messages.persisted",
		metric.WithDescription("Execution messages written to the store"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create messages persisted counter: %w", err)
	}
	if r.messagesDropped, err = meter.Int64Counter("execmesh.messages.dropped",
		metric.WithDescription("Execution messages dropped beyond the output capacity"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create messages dropped counter: %w", err)
	}
	if r.persistFailures, err = meter.Int64Counter("execmesh.messages.persist_failures",
		metric.WithDescription("Execution message writes that failed"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create persist failures counter: %w", err)
	}

	return r, nil
}

// NewFromGlobal creates a Recorder from the global MeterProvider. It falls
// back to a no-op recorder if instrument creation fails.
func NewFromGlobal() *Recorder {
	r, err := New(otel.Meter(InstrumentationName))
	if err != nil {
		return Noop()
	}
	return r
}

// Noop returns a Recorder backed by the no-op meter.
func Noop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(InstrumentationName))
	return r
}

// InvocationReceived counts an invocation observed on the feed.
func (r *Recorder) InvocationReceived(ctx context.Context, typ core.InvocationType) {
	if r == nil {
		return
	}
	r.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
}

// ExecutionRejected counts a rejected start invocation.
func (r *Recorder) ExecutionRejected(ctx context.Context) {
	if r == nil {
		return
	}
	r.rejections.Add(ctx, 1)
}

// ExecutionStarted counts a created execution record.
func (r *Recorder) ExecutionStarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.executionsStarted.Add(ctx, 1)
	r.activeExecutions.Add(ctx, 1)
}

// ExecutionCompleted counts a completed execution record.
func (r *Recorder) ExecutionCompleted(ctx context.Context, status core.ExecutionStatus) {
	if r == nil {
		return
	}
	r.executionsDone.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	r.activeExecutions.Add(ctx, -1)
}

// MessagePersisted counts a stored execution message.
func (r *Recorder) MessagePersisted(ctx context.Context, kind core.MessageKind) {
	if r == nil {
		return
	}
	r.messagesPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// MessageDropped counts a message discarded by the capacity policy.
func (r *Recorder) MessageDropped(ctx context.Context) {
	if r == nil {
		return
	}
	r.messagesDropped.Add(ctx, 1)
}

// PersistFailed counts a failed message write.
func (r *Recorder) PersistFailed(ctx context.Context) {
	if r == nil {
		return
	}
	r.persistFailures.Add(ctx, 1)
}
