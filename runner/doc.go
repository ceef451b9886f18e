// Package runner implements a local process execution engine.
//
// ProcessRunner satisfies core.CodeRunner by starting the resolved command as
// a child process and streaming its standard output and standard error line
// by line. Each run is tracked by execution id so Stop can cancel it; a
// stopped or failing process still ends its stream normally, and the exit
// status is only logged.
//
// It is the reference engine used by the daemon and the examples. Remote or
// sandboxed engines implement the same contract elsewhere.
package runner
