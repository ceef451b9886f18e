package core

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionStore persists execution lifecycle records. Implementations assign
// StartedAt / FinishedAt from their own clock (server-assigned timestamps).
type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution Execution) error
	CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
}

// MessageStore persists execution messages scoped by execution id. Each
// message is written independently; AppendMessage stamps the Timestamp and
// returns the stored message.
type MessageStore interface {
	AppendMessage(ctx context.Context, executionID string, msg ExecutionMessage) (ExecutionMessage, error)
	ListMessages(ctx context.Context, executionID string) ([]ExecutionMessage, error)
}

// InvocationFeed is an append-only feed of invocations addressed to a server.
// Subscribers observe invocations appended after they subscribed ("child
// added" semantics). Both channels close when ctx ends or the feed fails; the
// error channel carries at most one error.
type InvocationFeed interface {
	SubscribeInvocations(ctx context.Context, serverID string) (<-chan Invocation, <-chan error, error)
}

// ServerRegistry resolves server identities.
type ServerRegistry interface {
	GetServer(ctx context.Context, serverID string) (*Server, error)
}

// Store aggregates every persistence contract the dispatcher depends on.
type Store interface {
	ExecutionStore
	MessageStore
	InvocationFeed
	ServerRegistry
}
