// Package core provides the foundational domain types and collaborator
// contracts used by ExecMesh. It defines the core abstractions for:
//
//   - Invocations (requests to start or stop a remote code execution)
//   - Executions (durable lifecycle records of accepted invocations)
//   - ExecutionMessages (ordered output and lifecycle signals of one execution)
//   - Validation gates (approve / reject an invocation and resolve its config)
//   - Code runners (the external engine that actually executes code)
//   - Pluggable stores for executions, messages, servers and the invocation feed
//
// The package intentionally keeps implementation concerns (persistence,
// orchestration, concrete runners) out of scope, exposing small interfaces to
// enable custom backends and extensions.
package core
