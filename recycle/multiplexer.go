package recycle

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention is how long a completed stream stays replayable.
const DefaultRetention = 10 * time.Minute

// Options configures a Multiplexer.
type Options struct {
	// Retention keeps completed streams replayable for this long. Zero keeps
	// them until Forget is called.
	Retention time.Duration
	// BufferSize sets the channel buffer of each subscription.
	BufferSize int
}

// Multiplexer fans out keyed producer streams to late-joining subscribers.
// Public methods are safe for concurrent use.
type Multiplexer[T any] struct {
	retention  time.Duration
	bufferSize int

	topics map[string]*topic[T]
	mu     sync.Mutex
}

// New constructs a Multiplexer with optional overrides.
func New[T any](optFns ...func(o *Options)) *Multiplexer[T] {
	opts := Options{
		Retention:  DefaultRetention,
		BufferSize: 64,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Multiplexer[T]{
		retention:  opts.Retention,
		bufferSize: opts.BufferSize,
		topics:     make(map[string]*topic[T]),
	}
}

// Watch registers src as the producer for key and returns a subscription to
// it. errs carries the producer's terminal error and must be closed once src
// is closed. If key is already being watched, the existing stream is
// subscribed instead and src is drained and discarded so its producer never
// blocks.
func (m *Multiplexer[T]) Watch(ctx context.Context, key string, src <-chan T, errs <-chan error) *Subscription[T] {
	sub, started := m.Open(ctx, key, func() (<-chan T, <-chan error) { return src, errs })
	if !started {
		go drain(src, errs)
	}

	return sub
}

// Open subscribes to the stream for key, calling start to create its
// producer only if key is not held yet. It reports whether start was called.
// Concurrent Opens for one key call start at most once.
func (m *Multiplexer[T]) Open(ctx context.Context, key string, start func() (<-chan T, <-chan error)) (*Subscription[T], bool) {
	m.mu.Lock()
	t, exists := m.topics[key]
	if !exists {
		t = newTopic[T]()
		m.topics[key] = t
	}
	m.mu.Unlock()

	if exists {
		return m.subscribe(ctx, t), false
	}

	src, errs := start()
	go m.pump(key, t, src, errs)

	return m.subscribe(ctx, t), true
}

// Subscribe joins the stream for key, replaying everything produced so far.
// It reports false if key is unknown (never watched, forgotten or evicted).
func (m *Multiplexer[T]) Subscribe(ctx context.Context, key string) (*Subscription[T], bool) {
	m.mu.Lock()
	t, ok := m.topics[key]
	m.mu.Unlock()

	if !ok {
		return nil, false
	}

	return m.subscribe(ctx, t), true
}

// Snapshot returns a copy of everything produced for key so far.
func (m *Multiplexer[T]) Snapshot(key string) ([]T, bool) {
	m.mu.Lock()
	t, ok := m.topics[key]
	m.mu.Unlock()

	if !ok {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	items := make([]T, len(t.items))
	copy(items, t.items)

	return items, true
}

// Forget drops the buffered stream for key. Active subscriptions keep
// receiving until the producer ends.
func (m *Multiplexer[T]) Forget(key string) {
	m.mu.Lock()
	delete(m.topics, key)
	m.mu.Unlock()
}

// Len returns the number of streams currently held.
func (m *Multiplexer[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.topics)
}

func (m *Multiplexer[T]) pump(key string, t *topic[T], src <-chan T, errs <-chan error) {
	for item := range src {
		t.append(item)
	}

	var err error
	if errs != nil {
		err = <-errs
	}

	t.finish(err)

	if m.retention > 0 {
		time.AfterFunc(m.retention, func() {
			m.mu.Lock()
			if m.topics[key] == t {
				delete(m.topics, key)
			}
			m.mu.Unlock()
		})
	}
}

func (m *Multiplexer[T]) subscribe(ctx context.Context, t *topic[T]) *Subscription[T] {
	ch := make(chan T, m.bufferSize)
	sub := &Subscription[T]{C: ch}

	go func() {
		var err error

		defer func() {
			sub.setErr(err)
			close(ch)
		}()

		for cursor := 0; ; cursor++ {
			item, ok, terminalErr, waitErr := t.next(ctx, cursor)
			if waitErr != nil {
				err = waitErr
				return
			}

			if !ok {
				err = terminalErr
				return
			}

			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case ch <- item:
			}
		}
	}()

	return sub
}

func drain[T any](src <-chan T, errs <-chan error) {
	for range src {
	}

	if errs != nil {
		<-errs
	}
}

// Subscription is one consumer's view of a stream. C yields the replayed
// history followed by live items and is closed when the producer ends or the
// subscription's context is cancelled.
type Subscription[T any] struct {
	C <-chan T

	err error
	mu  sync.Mutex
}

// Err returns the producer's terminal error, or the context error if the
// subscription was cancelled. It is only meaningful after C is closed.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Subscription[T]) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// topic is the append-only buffer of one producer. changed is closed and
// replaced on every append or finish to wake waiting subscribers.
type topic[T any] struct {
	items   []T
	done    bool
	err     error
	changed chan struct{}
	mu      sync.Mutex
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{changed: make(chan struct{})}
}

func (t *topic[T]) append(item T) {
	t.mu.Lock()
	t.items = append(t.items, item)
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *topic[T]) finish(err error) {
	t.mu.Lock()
	t.done = true
	t.err = err
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// next blocks until the item at cursor exists or the stream has ended.
func (t *topic[T]) next(ctx context.Context, cursor int) (item T, ok bool, terminalErr error, waitErr error) {
	for {
		t.mu.Lock()
		if cursor < len(t.items) {
			item = t.items[cursor]
			t.mu.Unlock()
			return item, true, nil, nil
		}

		if t.done {
			terminalErr = t.err
			t.mu.Unlock()
			return item, false, terminalErr, nil
		}

		changed := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return item, false, nil, ctx.Err()
		case <-changed:
		}
	}
}
