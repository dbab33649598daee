package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps nonces in memory. Replay protection does not survive a
// restart with this store; use the Postgres store in production.
type MemoryStore struct {
	mu     sync.RWMutex
	nonces map[int64]*Nonce
}

// NewMemoryStore creates an in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[int64]*Nonce)}
}

func (s *MemoryStore) Put(_ context.Context, n *Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nonces[n.Value] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, value int64) (*Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nonces[value]
	if !ok {
		return nil, ErrNonceNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) MarkConsumed(_ context.Context, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[value]
	if !ok {
		return ErrNonceNotFound
	}
	n.Consumed = true
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for v, n := range s.nonces {
		if n.IssuedAt.Before(before) {
			delete(s.nonces, v)
			removed++
		}
	}
	return removed, nil
}
