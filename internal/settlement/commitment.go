// Package settlement orchestrates the lock → verify → (recover) → release
// lifecycle of one cross-chain transfer.
package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/crossbridge/internal/recovery"
)

// Status is a commitment lifecycle state. Transitions are monotonic: once a
// commitment reaches a terminal state it never leaves it; recovery always
// produces a new commitment referencing the original.
type Status string

const (
	StatusCreated         Status = "created"
	StatusLockPending     Status = "lock_pending"
	StatusLockConfirmed   Status = "lock_confirmed"
	StatusMismatchChecked Status = "mismatch_checked"
	StatusReleaseRelayed  Status = "release_relayed"
	StatusSettled         Status = "settled"

	StatusLockTimedOut        Status = "lock_timed_out"
	StatusMismatchBlocked     Status = "mismatch_blocked"
	StatusReserveInsufficient Status = "reserve_insufficient"
	StatusReleaseFailed       Status = "release_failed"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusLockTimedOut, StatusMismatchBlocked,
		StatusReserveInsufficient, StatusReleaseFailed:
		return true
	}
	return false
}

// Commitment records one requested cross-chain transfer and its lifecycle.
// Terminal commitments are retained indefinitely for audit; they are never
// deleted, only superseded by recovery commitments referencing them by ID.
type Commitment struct {
	ID            string             `json:"id"`
	SourceChain   string             `json:"sourceChain"`
	TargetChain   string             `json:"targetChain"`
	Asset         string             `json:"asset"`
	Amount        *big.Int           `json:"amount"`
	Recipient     string             `json:"recipient"`
	LockTxID      string             `json:"lockTxId,omitempty"`
	ReleaseTxID   string             `json:"releaseTxId,omitempty"`
	Status        Status             `json:"status"`
	Findings      []recovery.Finding `json:"findings,omitempty"`
	RecoveredFrom string             `json:"recoveredFrom,omitempty"`
	ErrorDetail   string             `json:"errorDetail,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func (c *Commitment) clone() *Commitment {
	cp := *c
	if c.Amount != nil {
		cp.Amount = new(big.Int).Set(c.Amount)
	}
	cp.Findings = append([]recovery.Finding(nil), c.Findings...)
	return &cp
}

// commitmentID derives a globally unique ID from the transfer parameters
// and an issue nonce.
func commitmentID(sourceChain, recipient string, amount *big.Int, nonce int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", sourceChain, recipient, amount, nonce))
	return "cmt_" + hex.EncodeToString(sum[:16])
}
