// Package recycle multiplexes one producer stream to any number of
// consumers ("recycling" an execution's output).
//
// A Multiplexer keeps, per key, an append-only buffer of everything the
// producer emitted. Every subscription owns a cursor into that buffer and a
// delivery goroutine, so a consumer joining mid-stream first receives the
// replayed history and then live items in the original order, and a slow
// consumer never blocks the producer or its siblings. The producer is
// consumed exactly once no matter how many subscriptions exist.
package recycle
