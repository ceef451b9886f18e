// Package stream turns one start invocation into its ordered stream of
// execution messages.
//
// The Transformer validates the invocation, creates the execution record,
// runs the code and translates every runner output event into an
// ExecutionMessage. Every stream ends in exactly one terminal message:
// ExecutionRejected when the invocation is declined, ExecutionFinished when
// the run completes. A pipeline fault ends the stream early and is reported
// on the error channel instead.
//
// Output is bounded by the capacity policy (see ApplyCapacity) and fanned out
// through a recycle.Multiplexer keyed by invocation id, so additional viewers
// can join a running execution without starting it again.
package stream
