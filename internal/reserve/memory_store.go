package reserve

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps reserve entries in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an in-memory reserve store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(_ context.Context, chainID, asset string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key(chainID, asset)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

func (s *MemoryStore) Seed(_ context.Context, chainID, asset string, initial *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(chainID, asset)
	if e, ok := s.entries[k]; ok {
		// Re-seeding resets the alert baseline, not the balance.
		e.Initial = new(big.Int).Set(initial)
		e.UpdatedAt = time.Now()
		return nil
	}
	s.entries[k] = &Entry{
		Chain:     chainID,
		Asset:     asset,
		Available: new(big.Int).Set(initial),
		Initial:   new(big.Int).Set(initial),
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, chainID, asset string, delta *big.Int) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(chainID, asset)
	e, ok := s.entries[k]
	if !ok {
		if delta.Sign() < 0 {
			return &Entry{
				Chain:     chainID,
				Asset:     asset,
				Available: big.NewInt(0),
				Initial:   big.NewInt(0),
			}, false, nil
		}
		// First credit creates the position with a zero baseline.
		e = &Entry{
			Chain:     chainID,
			Asset:     asset,
			Available: big.NewInt(0),
			Initial:   big.NewInt(0),
		}
		s.entries[k] = e
	}

	next := new(big.Int).Add(e.Available, delta)
	if next.Sign() < 0 {
		return e.clone(), false, nil
	}
	e.Available = next
	e.UpdatedAt = time.Now()
	return e.clone(), true, nil
}
