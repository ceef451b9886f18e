// Package archive stores transcripts of completed executions.
//
// A transcript is the full ordered message stream of one execution encoded
// as JSON lines. The dispatcher writes it once the stream ends so viewers can
// re-read output after the multiplexer evicted it. Backends (in-memory here,
// object storage in sub-packages) implement Store and can be swapped without
// touching calling code.
package archive
