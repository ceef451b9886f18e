// Package validation implements the validation gates that approve or reject
// invocations.
//
// A Pipeline first runs its resolvers, each storing the object it resolves
// (run configuration, targeted execution) on the ValidationContext under its
// core.ResolverKind, and then its rules in order. The first failing rule
// rejects the invocation and its reason becomes the validation result.
// Resolver and rule errors are faults of the gate and are returned; a value
// that cannot be resolved is not.
//
// NewStartGate and NewStopGate assemble the two gates the dispatcher needs.
// Deployments add admission policy with CEL expressions (see NewExpression).
package validation
