// Package consensus establishes an agreed settlement height across
// coordinator replicas.
//
// Each replica periodically reports its locally observed settled height and
// collects the heights reported by its peers. A height is accepted once a
// supermajority of replicas has observed at least that height; a replica
// behind the agreed height fast-forwards to it. This is liveness tooling for
// multi-instance deployments, not a safety mechanism for individual
// commitments.
package consensus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Peer reports the settled height another replica has observed.
type Peer interface {
	ReportHeight(ctx context.Context) (uint64, error)
}

// Quorum returns the supermajority threshold for n replicas: ceil(2n/3) + 1,
// tolerating up to floor((n-1)/3) faulty replicas.
func Quorum(n int) int {
	if n <= 1 {
		return 1
	}
	return (2*n+2)/3 + 1
}

// Tracker votes on the latest settled height together with its peers.
type Tracker struct {
	self     string
	peers    map[string]Peer
	logger   *slog.Logger
	interval time.Duration

	mu       sync.RWMutex
	local    uint64
	votes    map[string]uint64 // replica id -> latest reported height
	accepted uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a height tracker for this replica. The peers map keys
// are stable replica identifiers; the tracker itself counts as one voter.
func NewTracker(self string, peers map[string]Peer, logger *slog.Logger) *Tracker {
	return &Tracker{
		self:     self,
		peers:    peers,
		logger:   logger,
		interval: 10 * time.Second,
		votes:    make(map[string]uint64),
	}
}

// WithInterval overrides the exchange period.
func (t *Tracker) WithInterval(d time.Duration) *Tracker {
	t.interval = d
	return t
}

// ReportHeight implements Peer so trackers can poll each other directly.
func (t *Tracker) ReportHeight(context.Context) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local, nil
}

// Observe records a locally settled height. Heights only move forward.
func (t *Tracker) Observe(height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if height > t.local {
		t.local = height
		t.votes[t.self] = height
		t.recomputeLocked()
	}
}

// LocalHeight returns this replica's observed height.
func (t *Tracker) LocalHeight() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// AcceptedHeight returns the highest height a supermajority has reached.
func (t *Tracker) AcceptedHeight() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.accepted
}

// Exchange polls every peer once and recomputes the accepted height. A peer
// that cannot be reached keeps its previous vote; votes never go backward.
func (t *Tracker) Exchange(ctx context.Context) uint64 {
	heights := make(map[string]uint64)
	for id, p := range t.peers {
		h, err := p.ReportHeight(ctx)
		if err != nil {
			t.logger.Warn("peer height exchange failed", "peer", id, "error", err)
			continue
		}
		heights[id] = h
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.votes[t.self] = t.local
	for id, h := range heights {
		if h > t.votes[id] {
			t.votes[id] = h
		}
	}
	t.recomputeLocked()

	// Fast-forward: a replica behind the agreed height adopts it.
	if t.accepted > t.local {
		t.logger.Info("fast-forwarding to agreed height",
			"from", t.local, "to", t.accepted)
		t.local = t.accepted
		t.votes[t.self] = t.accepted
	}
	return t.accepted
}

// recomputeLocked finds the highest height at least Quorum(n) voters have
// reached. Caller holds t.mu.
func (t *Tracker) recomputeLocked() {
	n := len(t.peers) + 1 // peers plus this replica
	quorum := Quorum(n)

	reported := make([]uint64, 0, len(t.votes))
	for _, h := range t.votes {
		reported = append(reported, h)
	}
	if len(reported) < quorum {
		return
	}
	sort.Slice(reported, func(i, j int) bool { return reported[i] > reported[j] })

	// The quorum-th highest vote is the tallest height that quorum voters
	// have all reached.
	candidate := reported[quorum-1]
	if candidate > t.accepted {
		t.accepted = candidate
		t.logger.Info("settlement height accepted",
			"height", candidate, "quorum", quorum, "replicas", n)
	}
}

// Start launches the periodic exchange loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Exchange(ctx)
			}
		}
	}()
}

// Stop halts the exchange loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}
