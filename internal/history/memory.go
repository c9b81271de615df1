package history

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Suitable when no history file is
// configured; samples vanish when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string][]Sample
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[string][]Sample),
	}
}

// Insert records a completed run.
func (s *MemoryStore) Insert(_ context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.Signature] = append(s.samples[sample.Signature], sample)
	return nil
}

// BySignature returns every sample for the signature, oldest first.
func (s *MemoryStore) BySignature(_ context.Context, signature string) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.samples[signature]
	out := make([]Sample, len(stored))
	copy(out, stored)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
