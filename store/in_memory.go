package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/hupe1980/execmesh/core"
)

// InMemoryStore is a volatile core.Store keeping executions, messages,
// servers and the invocation feed in process local maps. It is safe for
// concurrent access and best suited for tests or single-process demos.
// Returned records are copies.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]core.Execution
	messages   map[string][]core.ExecutionMessage
	servers    map[string]core.Server

	subsMu sync.Mutex
	subs   map[*feedSub]struct{}

	now func() time.Time
}

type feedSub struct {
	serverID string
	ch       chan core.Invocation
	done     <-chan struct{}
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]core.Execution),
		messages:   make(map[string][]core.ExecutionMessage),
		servers:    make(map[string]core.Server),
		subs:       make(map[*feedSub]struct{}),
		now:        time.Now,
	}
}

// PutServer registers or replaces a server identity.
func (s *InMemoryStore) PutServer(_ context.Context, server core.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server.ID] = server
	return nil
}

// GetServer implements core.ServerRegistry.
func (s *InMemoryStore) GetServer(_ context.Context, serverID string) (*core.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, ok := s.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("server %s: %w", serverID, core.ErrNotFound)
	}
	return &server, nil
}

// CreateExecution implements core.ExecutionStore. StartedAt is assigned from
// the store clock.
func (s *InMemoryStore) CreateExecution(_ context.Context, execution core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return fmt.Errorf("execution %s already exists", execution.ID)
	}
	execution.StartedAt = s.now()
	execution.FinishedAt = nil
	execution.Lab = maps.Clone(execution.Lab)
	s.executions[execution.ID] = execution
	return nil
}

// CompleteExecution implements core.ExecutionStore.
func (s *InMemoryStore) CompleteExecution(_ context.Context, executionID string, status core.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	finishedAt := s.now()
	execution.Status = status
	execution.FinishedAt = &finishedAt
	s.executions[executionID] = execution
	return nil
}

// GetExecution implements core.ExecutionStore.
func (s *InMemoryStore) GetExecution(_ context.Context, executionID string) (*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	execution.Lab = maps.Clone(execution.Lab)
	return &execution, nil
}

// AppendMessage implements core.MessageStore. Timestamp is assigned from the
// store clock.
func (s *InMemoryStore) AppendMessage(_ context.Context, executionID string, msg core.ExecutionMessage) (core.ExecutionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Timestamp = s.now()
	if msg.VirtualIndex != nil {
		v := *msg.VirtualIndex
		msg.VirtualIndex = &v
	}
	s.messages[executionID] = append(s.messages[executionID], msg)
	return msg, nil
}

// ListMessages implements core.MessageStore, returning messages in write order.
func (s *InMemoryStore) ListMessages(_ context.Context, executionID string) ([]core.ExecutionMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]core.ExecutionMessage, len(s.messages[executionID]))
	copy(msgs, s.messages[executionID])
	return msgs, nil
}

// PublishInvocation appends inv to the feed of inv.ServerID. Only current
// subscribers observe it.
func (s *InMemoryStore) PublishInvocation(ctx context.Context, inv core.Invocation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
	}

	s.subsMu.Lock()
	targets := make([]*feedSub, 0, len(s.subs))
	for sub := range s.subs {
		if sub.serverID == inv.ServerID {
			targets = append(targets, sub)
		}
	}
	s.subsMu.Unlock()

	for _, sub := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
		case sub.ch <- inv:
		}
	}
	return nil
}

// SubscribeInvocations implements core.InvocationFeed.
func (s *InMemoryStore) SubscribeInvocations(ctx context.Context, serverID string) (<-chan core.Invocation, <-chan error, error) {
	invCh := make(chan core.Invocation, 16)
	errCh := make(chan error, 1)

	sub := &feedSub{serverID: serverID, ch: invCh, done: ctx.Done()}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	out := make(chan core.Invocation)
	go func() {
		defer func() {
			s.subsMu.Lock()
			delete(s.subs, sub)
			s.subsMu.Unlock()
			close(out)
			close(errCh)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case inv := <-invCh:
				select {
				case <-ctx.Done():
					return
				case out <- inv:
				}
			}
		}
	}()

	return out, errCh, nil
}
