package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps commitments in memory for demo/testing.
type MemoryStore struct {
	mu          sync.RWMutex
	commitments map[string]*Commitment
}

// NewMemoryStore creates an in-memory commitment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commitments: make(map[string]*Commitment)}
}

var errDuplicateCommitment = errors.New("commitment already exists")

func (s *MemoryStore) Create(_ context.Context, c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[c.ID]; ok {
		return errDuplicateCommitment
	}
	s.commitments[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commitments[id]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	return c.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[c.ID]; !ok {
		return ErrCommitmentNotFound
	}
	s.commitments[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Commitment, 0, len(s.commitments))
	for _, c := range s.commitments {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
