package core

import "context"

// Origin identifies the output channel a runner line came from.
type Origin string

const (
	OriginStdout Origin = "stdout"
	OriginStderr Origin = "stderr"
)

// ProcessStreamData is one raw output event emitted by a CodeRunner.
type ProcessStreamData struct {
	Origin Origin `json:"origin"`
	Str    string `json:"str"`
}

// CodeRunner defines the contract of the external execution engine.
//
// Semantics & Guarantees:
//   - Event Ordering: output events of one run are delivered in arrival order.
//   - Channel Lifecycle: the data channel is closed when the run ends. The
//     error channel carries at most one terminal error then closes (buffered
//     size 1).
//   - Cancellation: Stop is advisory; the run ends by closing its data
//     channel, which is how callers observe completion.
type CodeRunner interface {
	// Run starts executing cfg on behalf of inv and streams its output.
	Run(ctx context.Context, inv Invocation, cfg RunConfig) (<-chan ProcessStreamData, <-chan error)

	// Stop asks the engine to stop the execution with the given id.
	Stop(ctx context.Context, executionID string) error
}
