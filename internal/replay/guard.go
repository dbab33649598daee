// Package replay makes relay execution idempotent.
//
// A relay submits release transactions on behalf of recipients and pays the
// network fee itself. Every logical request is tied to a single-use nonce:
// once consumed, resubmission is rejected, so a release can execute at most
// once no matter how often the caller retries.
package replay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/crossbridge/internal/chain"
	"github.com/mbd888/crossbridge/internal/metrics"
)

var (
	// ErrReplayRejected covers every nonce rejection; inspect Reason via
	// errors.As on *RejectedError for the cause.
	ErrReplayRejected = errors.New("replay rejected")
)

// Reason explains a rejection.
type Reason string

const (
	ReasonReplay  Reason = "replay"  // nonce already consumed
	ReasonExpired Reason = "expired" // nonce older than the expiry window
	ReasonUnknown Reason = "unknown" // nonce was never issued
	ReasonActor   Reason = "actor"   // nonce issued to a different actor
)

// RejectedError carries the rejection reason.
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string { return fmt.Sprintf("replay rejected: %s", e.Reason) }
func (e *RejectedError) Is(target error) bool { return target == ErrReplayRejected }

// DefaultExpiry bounds nonce lifetime (and therefore memory growth).
const DefaultExpiry = time.Hour

// Nonce is a single-use token bound to an actor.
type Nonce struct {
	Value    int64     `json:"value"`
	Actor    string    `json:"actor"`
	IssuedAt time.Time `json:"issuedAt"`
	Consumed bool      `json:"consumed"`
}

// Store persists nonces. Nonces must survive restarts for replay protection
// to hold across them; the in-memory store is for development only.
type Store interface {
	Put(ctx context.Context, n *Nonce) error
	Get(ctx context.Context, value int64) (*Nonce, error)
	MarkConsumed(ctx context.Context, value int64) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// ErrNonceNotFound is returned by stores for unknown nonce values.
var ErrNonceNotFound = errors.New("nonce not found")

// Stats is a snapshot of relay accounting.
type Stats struct {
	Relayed        int64  `json:"relayed"`
	FeesPaid       string `json:"feesPaid"`
	ReplaysBlocked int64  `json:"replaysBlocked"`
}

// RelayResult reports a successful relay.
type RelayResult struct {
	Identifier string   `json:"identifier"`
	FeePaid    *big.Int `json:"feePaid"`
	Nonce      int64    `json:"nonce"`
}

// Guard issues nonces and performs replay-safe relays.
type Guard struct {
	store    Store
	registry *chain.Registry
	logger   *slog.Logger
	expiry   time.Duration

	// Per-nonce critical sections so two concurrent relays for the same
	// nonce cannot both pass the consume check.
	locks sync.Map

	// Issue state: guarantees distinct values for rapid calls by one actor.
	issueMu   sync.Mutex
	lastValue int64

	// Accounting.
	statsMu        sync.Mutex
	relayed        int64
	feesPaid       *big.Int
	replaysBlocked int64
}

// NewGuard creates a replay guard.
func NewGuard(store Store, registry *chain.Registry, logger *slog.Logger) *Guard {
	return &Guard{
		store:    store,
		registry: registry,
		logger:   logger,
		expiry:   DefaultExpiry,
		feesPaid: big.NewInt(0),
	}
}

// WithExpiry overrides the nonce expiry window.
func (g *Guard) WithExpiry(d time.Duration) *Guard {
	g.expiry = d
	return g
}

// IssueNonce derives a fresh unconsumed nonce for actor from the current
// time and a hash of the actor address, perturbed so that rapid repeated
// calls still produce distinct values.
func (g *Guard) IssueNonce(ctx context.Context, actor string) (*Nonce, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(actor))

	g.issueMu.Lock()
	value := time.Now().UnixMilli()*1000 + int64(h.Sum32()%1000)
	if value <= g.lastValue {
		value = g.lastValue + 1
	}
	g.lastValue = value
	g.issueMu.Unlock()

	n := &Nonce{
		Value:    value,
		Actor:    actor,
		IssuedAt: time.Now(),
	}
	if err := g.store.Put(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to record nonce: %w", err)
	}
	return n, nil
}

// nonceLock returns the mutex for a nonce value.
func (g *Guard) nonceLock(value int64) *sync.Mutex {
	v, _ := g.locks.LoadOrStore(value, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CheckAndConsume atomically consumes a nonce for actor. A nonce can be
// consumed exactly once; expired nonces are rejected even if unconsumed.
func (g *Guard) CheckAndConsume(ctx context.Context, value int64, actor string) error {
	mu := g.nonceLock(value)
	mu.Lock()
	defer mu.Unlock()

	n, err := g.store.Get(ctx, value)
	if err != nil {
		if errors.Is(err, ErrNonceNotFound) {
			return g.reject(ReasonUnknown)
		}
		return err
	}
	if n.Actor != actor {
		return g.reject(ReasonActor)
	}
	if time.Since(n.IssuedAt) > g.expiry {
		return g.reject(ReasonExpired)
	}
	if n.Consumed {
		return g.reject(ReasonReplay)
	}
	if err := g.store.MarkConsumed(ctx, value); err != nil {
		return err
	}
	return nil
}

func (g *Guard) reject(reason Reason) error {
	g.statsMu.Lock()
	g.replaysBlocked++
	g.statsMu.Unlock()
	metrics.ReplaysBlockedTotal.WithLabelValues(string(reason)).Inc()
	return &RejectedError{Reason: reason}
}

// Relay broadcasts a signed release payload on targetChain under nonce
// protection. If nonce is nil, a fresh one is issued first. The guard pays
// the network fee; the recipient pays nothing.
//
// On adapter failure the nonce stays consumed: a blind retry must not risk a
// double broadcast. Callers needing a genuine retry obtain a fresh nonce.
func (g *Guard) Relay(ctx context.Context, actor, targetChain string, payload []byte, nonce *int64) (*RelayResult, error) {
	var value int64
	if nonce != nil {
		value = *nonce
	} else {
		n, err := g.IssueNonce(ctx, actor)
		if err != nil {
			return nil, err
		}
		value = n.Value
	}

	if err := g.CheckAndConsume(ctx, value, actor); err != nil {
		return nil, err
	}

	adapter, err := g.registry.Get(targetChain)
	if err != nil {
		return nil, err
	}

	res, err := adapter.Broadcast(ctx, payload)
	if err != nil {
		// Nonce is spent regardless; log the burn for reimbursement review.
		g.logger.Error("relay broadcast failed, nonce spent",
			"actor", actor, "chain", targetChain, "nonce", value, "error", err)
		return nil, err
	}

	fee := res.FeePaid
	if fee == nil {
		fee = big.NewInt(0)
	}
	g.statsMu.Lock()
	g.relayed++
	g.feesPaid.Add(g.feesPaid, fee)
	g.statsMu.Unlock()
	metrics.RelaysTotal.WithLabelValues(targetChain).Inc()

	g.logger.Info("release relayed",
		"actor", actor, "chain", targetChain, "tx", res.Identifier, "fee", fee.String())

	return &RelayResult{Identifier: res.Identifier, FeePaid: fee, Nonce: value}, nil
}

// Stats returns relay accounting for anomaly monitoring and reimbursement.
func (g *Guard) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return Stats{
		Relayed:        g.relayed,
		FeesPaid:       g.feesPaid.String(),
		ReplaysBlocked: g.replaysBlocked,
	}
}

// PruneExpired removes nonces past the expiry window. Run periodically.
func (g *Guard) PruneExpired(ctx context.Context) (int, error) {
	n, err := g.store.DeleteExpired(ctx, time.Now().Add(-g.expiry))
	if err != nil {
		return 0, err
	}
	// Drop the per-nonce locks of pruned values opportunistically.
	g.locks.Range(func(key, _ any) bool {
		if v, ok := key.(int64); ok && v < time.Now().Add(-g.expiry).UnixMilli()*1000 {
			g.locks.Delete(key)
		}
		return true
	})
	return n, nil
}
