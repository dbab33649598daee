// Package reserve tracks the bridge-controlled liquidity that backs
// target-side releases.
//
// The ledger is the single source of truth for how much of each asset, on
// each chain, the bridge can responsibly release. Balances are integers in
// the asset's smallest unit and can never go negative; every mutation is
// journaled before it is considered durable.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/crossbridge/internal/metrics"
)

var (
	ErrEntryNotFound = errors.New("reserve entry not found")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidOp     = errors.New("invalid operation")
)

// InsufficientReserveError reports a rejected debit with the figures the
// caller needs for a top-up or auto-balance decision.
type InsufficientReserveError struct {
	Chain     string
	Asset     string
	Available *big.Int
	Requested *big.Int
}

func (e *InsufficientReserveError) Error() string {
	return fmt.Sprintf("insufficient reserve on %s/%s: available %s, requested %s",
		e.Chain, e.Asset, e.Available, e.Requested)
}

// ErrInsufficientReserve matches any InsufficientReserveError via errors.Is.
var ErrInsufficientReserve = errors.New("insufficient reserve")

func (e *InsufficientReserveError) Is(target error) bool {
	return target == ErrInsufficientReserve
}

// Op is a mutation direction.
type Op string

const (
	OpCredit Op = "credit"
	OpDebit  Op = "debit"
)

// Entry is the liquidity position for one (chain, asset) key.
type Entry struct {
	Chain     string    `json:"chain"`
	Asset     string    `json:"asset"`
	Available *big.Int  `json:"available"`
	Initial   *big.Int  `json:"initial"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Available = new(big.Int).Set(e.Available)
	cp.Initial = new(big.Int).Set(e.Initial)
	return &cp
}

// Mutation reports one applied balance change.
type Mutation struct {
	Chain   string    `json:"chain"`
	Asset   string    `json:"asset"`
	Op      Op        `json:"operation"`
	Amount  *big.Int  `json:"amount"`
	Balance *big.Int  `json:"balance"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Store persists reserve entries. ApplyDelta must be atomic: it either
// applies the full delta or, when the result would be negative, applies
// nothing and returns the current entry with applied=false.
type Store interface {
	Get(ctx context.Context, chainID, asset string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Seed(ctx context.Context, chainID, asset string, initial *big.Int) error
	ApplyDelta(ctx context.Context, chainID, asset string, delta *big.Int) (entry *Entry, applied bool, err error)
}

// Ledger owns all reserve mutations. Mutations on the same (chain, asset)
// key serialize; different keys proceed fully in parallel.
type Ledger struct {
	store  Store
	audit  AuditLogger
	logger *slog.Logger
	locks  sync.Map // key string -> *sync.Mutex
}

// New creates a reserve ledger.
func New(store Store, audit AuditLogger, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, audit: audit, logger: logger}
}

func key(chainID, asset string) string { return chainID + "/" + asset }

func (l *Ledger) keyLock(chainID, asset string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(key(chainID, asset), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Seed registers a (chain, asset) position with its initial balance. The
// initial balance is the baseline for percentage alerts.
func (l *Ledger) Seed(ctx context.Context, chainID, asset string, initial *big.Int) error {
	if initial == nil || initial.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.store.Seed(ctx, chainID, asset, initial)
}

// Get returns a read-only snapshot of one position.
func (l *Ledger) Get(ctx context.Context, chainID, asset string) (*Entry, error) {
	return l.store.Get(ctx, chainID, asset)
}

// List returns snapshots of all positions.
func (l *Ledger) List(ctx context.Context) ([]*Entry, error) {
	return l.store.List(ctx)
}

// Mutate applies a credit or debit. A debit that would drive the balance
// negative is rejected atomically with InsufficientReserveError; nothing is
// partially applied. Every successful mutation appends one audit entry
// before returning.
func (l *Ledger) Mutate(ctx context.Context, chainID, asset string, amount *big.Int, op Op, reason string) (*Mutation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	delta := new(big.Int).Set(amount)
	switch op {
	case OpCredit:
	case OpDebit:
		delta.Neg(delta)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidOp, op)
	}

	mu := l.keyLock(chainID, asset)
	mu.Lock()
	defer mu.Unlock()

	entry, applied, err := l.store.ApplyDelta(ctx, chainID, asset, delta)
	if err != nil {
		metrics.ReserveMutationsTotal.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}
	if !applied {
		metrics.ReserveMutationsTotal.WithLabelValues(string(op), "rejected").Inc()
		return nil, &InsufficientReserveError{
			Chain:     chainID,
			Asset:     asset,
			Available: entry.Available,
			Requested: new(big.Int).Set(amount),
		}
	}

	m := &Mutation{
		Chain:   chainID,
		Asset:   asset,
		Op:      op,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(entry.Available),
		Reason:  reason,
		At:      time.Now(),
	}

	if err := l.audit.Append(ctx, auditFromMutation(m)); err != nil {
		// The journal is part of durability. Reverse the delta and reject.
		if _, _, rerr := l.store.ApplyDelta(ctx, chainID, asset, new(big.Int).Neg(delta)); rerr != nil {
			l.logger.Error("CRITICAL: reserve mutation applied but journal and reversal both failed",
				"chain", chainID, "asset", asset, "operation", op,
				"amount", amount.String(), "journal_error", err, "reversal_error", rerr)
		}
		metrics.ReserveMutationsTotal.WithLabelValues(string(op), "error").Inc()
		return nil, fmt.Errorf("failed to journal reserve mutation: %w", err)
	}

	metrics.ReserveMutationsTotal.WithLabelValues(string(op), "applied").Inc()
	return m, nil
}

// AutoBalance moves liquidity administratively between two chains for one
// asset: debit the source, then credit the target. If the debit fails the
// credit is never attempted; liquidity is never created from nothing.
func (l *Ledger) AutoBalance(ctx context.Context, sourceChain, targetChain, asset string, amount *big.Int) error {
	reason := fmt.Sprintf("auto-balance %s -> %s", sourceChain, targetChain)

	if _, err := l.Mutate(ctx, sourceChain, asset, amount, OpDebit, reason); err != nil {
		return err
	}

	if _, err := l.Mutate(ctx, targetChain, asset, amount, OpCredit, reason); err != nil {
		// Credit of an existing position only fails on store trouble.
		// Restore the source so no liquidity evaporates.
		if _, rerr := l.Mutate(ctx, sourceChain, asset, amount, OpCredit, reason+" (reversal)"); rerr != nil {
			l.logger.Error("CRITICAL: auto-balance credit and reversal both failed",
				"source", sourceChain, "target", targetChain, "asset", asset,
				"amount", amount.String(), "credit_error", err, "reversal_error", rerr)
		}
		return err
	}

	l.logger.Info("reserves rebalanced",
		"source", sourceChain, "target", targetChain,
		"asset", asset, "amount", amount.String())
	return nil
}
