// Package dispatch implements the process-wide entry point that reacts to
// every invocation addressed to the current server.
//
// Run resolves the server identity, subscribes once to the invocation feed
// and fans it out to two independent consumers: start invocations flow
// through the stream transformer and every produced message is persisted in
// order; stop invocations pass the stop gate and, when approved, ask the
// runner to stop the execution.
//
// Each start pipeline is isolated. A fault stops the run, marks the
// execution failed and is logged; it never ends the feed or affects other
// invocations.
package dispatch
