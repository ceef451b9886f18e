package dispatch

import (
	"context"
	"sync"
)

// broadcaster fans one upstream feed out to predicate-filtered
// registrations. Each value is delivered to every registration whose
// predicate matches, in publish order.
type broadcaster[T any] struct {
	mu     sync.Mutex
	regs   []*registration[T]
	closed bool
}

type registration[T any] struct {
	match func(T) bool
	ch    chan T
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{}
}

// register adds a consumer receiving the values match accepts.
func (b *broadcaster[T]) register(match func(T) bool, buffer int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := &registration[T]{match: match, ch: make(chan T, buffer)}
	if b.closed {
		close(reg.ch)
	} else {
		b.regs = append(b.regs, reg)
	}
	return reg.ch
}

// publish delivers v to every matching registration. It blocks while a
// matching consumer's buffer is full, unless ctx ends.
func (b *broadcaster[T]) publish(ctx context.Context, v T) error {
	b.mu.Lock()
	regs := b.regs
	b.mu.Unlock()

	for _, reg := range regs {
		if !reg.match(v) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reg.ch <- v:
		}
	}
	return nil
}

// close ends every registration. publish must not be called afterwards.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, reg := range b.regs {
		close(reg.ch)
	}
	b.regs = nil
}
