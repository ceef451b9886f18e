package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/execmesh/core"
)

// Store persists transcripts by execution id.
type Store interface {
	Save(ctx context.Context, executionID string, data []byte) error
	Get(ctx context.Context, executionID string) ([]byte, error)
}

// InMemoryStore is a trivial in-process Store useful for tests, examples and
// single-process prototypes. Data is copied on save / retrieval to avoid
// accidental external mutation of internal buffers.
type InMemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]byte
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory transcript store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{transcripts: make(map[string][]byte)}
}

// Save stores (or overwrites) the transcript of executionID.
func (s *InMemoryStore) Save(_ context.Context, executionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.transcripts[executionID] = cp
	return nil
}

// Get returns a copy of the stored transcript or ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, executionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.transcripts[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// EncodeTranscript renders msgs as JSON lines.
func EncodeTranscript(msgs []core.ExecutionMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("encode message %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeTranscript parses JSON lines written by EncodeTranscript.
func DecodeTranscript(data []byte) ([]core.ExecutionMessage, error) {
	var msgs []core.ExecutionMessage
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var m core.ExecutionMessage
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", line, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return msgs, nil
}
