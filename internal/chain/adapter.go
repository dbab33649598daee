// Package chain defines the adapter boundary between the settlement engine
// and the ledgers it bridges.
//
// Every supported chain plugs in behind the Adapter interface. Responses are
// normalized into TxInfo at this boundary so the rest of the engine never
// branches on chain-family-specific fields.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrAdapterUnavailable means the adapter's upstream could not be reached.
	// Retryable within a bounded polling window.
	ErrAdapterUnavailable = errors.New("chain adapter unavailable")

	// ErrTxNotFound means the transaction identifier is unknown to the chain.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBroadcastRejected means the upstream rejected a broadcast.
	ErrBroadcastRejected = errors.New("broadcast rejected")

	// ErrUnknownChain means no adapter is registered for the chain ID.
	ErrUnknownChain = errors.New("unknown chain")
)

// Family identifies how a chain reports transaction finality.
type Family string

const (
	FamilyUTXO    Family = "utxo"    // confirmations = currentHeight - txHeight
	FamilyAccount Family = "account" // receipt depth + execution success flag
	FamilyEd25519 Family = "ed25519" // slot depth, base58 32-byte addresses
)

// TxInfo is the single normalized shape for transaction lookups.
type TxInfo struct {
	Found         bool     `json:"found"`
	Confirmations uint64   `json:"confirmations"`
	Height        uint64   `json:"height"`
	Success       bool     `json:"success"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Value         *big.Int `json:"value"`
}

// BroadcastResult reports the outcome of submitting a signed payload.
type BroadcastResult struct {
	Accepted   bool     `json:"accepted"`
	Identifier string   `json:"identifier"`
	FeePaid    *big.Int `json:"feePaid,omitempty"`
}

// Adapter is implemented once per supported ledger family.
type Adapter interface {
	// GetTransaction looks up a transaction by identifier.
	// Returns ErrAdapterUnavailable if the upstream cannot be reached and
	// ErrTxNotFound if the identifier is unknown to the chain.
	GetTransaction(ctx context.Context, identifier string) (*TxInfo, error)

	// Broadcast submits an already-signed payload to the chain.
	// Returns ErrBroadcastRejected (wrapping the upstream reason) on rejection.
	Broadcast(ctx context.Context, signedPayload []byte) (*BroadcastResult, error)
}

// Entry pairs an adapter with its chain family.
type Entry struct {
	Adapter Adapter
	Family  Family
}

// Registry maps chain IDs to adapters. Built once at startup and never
// mutated afterwards, so concurrent reads need no locking.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds an adapter registry from the given entries.
func NewRegistry(entries map[string]Entry) *Registry {
	m := make(map[string]Entry, len(entries))
	for id, e := range entries {
		m[id] = e
	}
	return &Registry{entries: m}
}

// Get returns the adapter for chainID.
func (r *Registry) Get(chainID string) (Adapter, error) {
	e, ok := r.entries[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return e.Adapter, nil
}

// FamilyOf returns the chain family for chainID.
func (r *Registry) FamilyOf(chainID string) (Family, error) {
	e, ok := r.entries[chainID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return e.Family, nil
}

// Chains returns the registered chain IDs.
func (r *Registry) Chains() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
