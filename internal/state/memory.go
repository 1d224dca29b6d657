package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps serialized records in-process. Records are stored as
// JSON so callers never share memory with what was saved.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (State, error) {
	s.mu.RLock()
	raw, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return State{}, ErrNotFound
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = raw
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
