// Package chainmock provides a scripted chain adapter for tests and for
// running the engine without live RPC endpoints.
package chainmock

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/mbd888/crossbridge/internal/chain"
	"github.com/mbd888/crossbridge/internal/idgen"
)

// Adapter is an in-memory chain.Adapter. Transactions are seeded with
// SetTransaction and confirmations can be advanced to simulate block
// production. Broadcasts are recorded and assigned fresh identifiers.
type Adapter struct {
	mu           sync.Mutex
	txs          map[string]*chain.TxInfo
	unavailable  bool
	rejectWith   string
	broadcastFee *big.Int
	broadcasts   [][]byte
}

// New creates an empty mock adapter.
func New() *Adapter {
	return &Adapter{
		txs:          make(map[string]*chain.TxInfo),
		broadcastFee: big.NewInt(0),
	}
}

// SetTransaction seeds or replaces a transaction.
func (a *Adapter) SetTransaction(id string, info chain.TxInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := info
	cp.Found = true
	a.txs[id] = &cp
}

// AdvanceConfirmations adds n confirmations to a seeded transaction.
func (a *Adapter) AdvanceConfirmations(id string, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tx, ok := a.txs[id]; ok {
		tx.Confirmations += n
	}
}

// SetUnavailable makes subsequent calls fail with ErrAdapterUnavailable.
func (a *Adapter) SetUnavailable(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable = v
}

// RejectBroadcasts makes Broadcast fail with ErrBroadcastRejected and the
// given upstream reason. Pass "" to accept broadcasts again.
func (a *Adapter) RejectBroadcasts(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejectWith = reason
}

// SetBroadcastFee sets the fee reported for accepted broadcasts.
func (a *Adapter) SetBroadcastFee(fee *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.broadcastFee = new(big.Int).Set(fee)
}

// Broadcasts returns the payloads accepted so far.
func (a *Adapter) Broadcasts() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.broadcasts))
	copy(out, a.broadcasts)
	return out
}

// GetTransaction implements chain.Adapter.
func (a *Adapter) GetTransaction(_ context.Context, identifier string) (*chain.TxInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unavailable {
		return nil, chain.ErrAdapterUnavailable
	}
	tx, ok := a.txs[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, identifier)
	}
	cp := *tx
	if tx.Value != nil {
		cp.Value = new(big.Int).Set(tx.Value)
	}
	return &cp, nil
}

// Broadcast implements chain.Adapter.
func (a *Adapter) Broadcast(_ context.Context, signedPayload []byte) (*chain.BroadcastResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unavailable {
		return nil, chain.ErrAdapterUnavailable
	}
	if a.rejectWith != "" {
		return nil, fmt.Errorf("%w: %s", chain.ErrBroadcastRejected, a.rejectWith)
	}

	cp := make([]byte, len(signedPayload))
	copy(cp, signedPayload)
	a.broadcasts = append(a.broadcasts, cp)

	return &chain.BroadcastResult{
		Accepted:   true,
		Identifier: idgen.WithPrefix("tx_"),
		FeePaid:    new(big.Int).Set(a.broadcastFee),
	}, nil
}
