package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// MemoryStore keeps encoded iterations in memory. Records are stored as
// JSON so callers can never mutate what was saved.
type MemoryStore struct {
	mu      sync.RWMutex
	records [][]byte
	index   map[string]int
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
	}
}

// SaveIteration stores a copy of it
func (s *MemoryStore) SaveIteration(ctx context.Context, it model.Iteration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	it = prepare(it)
	data, err := encode(it)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[it.ID]; exists {
		return "", fmt.Errorf("iteration %s already exists", it.ID)
	}
	s.index[it.ID] = len(s.records)
	s.records = append(s.records, data)
	return it.ID, nil
}

// RecentIterations returns up to limit records, newest first
func (s *MemoryStore) RecentIterations(ctx context.Context, limit int) ([]model.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	out := make([]model.Iteration, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		it, err := decode(s.records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// AllIterations returns every record, oldest first
func (s *MemoryStore) AllIterations(ctx context.Context) ([]model.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Iteration, 0, len(s.records))
	for _, data := range s.records {
		it, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Iteration returns one record by id
func (s *MemoryStore) Iteration(ctx context.Context, id string) (model.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return model.Iteration{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return model.Iteration{}, ErrNotFound
	}
	return decode(s.records[i])
}

// Count returns the number of stored records
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
