//go:build integration

package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/crossbridge/internal/recovery"
	"github.com/mbd888/crossbridge/internal/testutil"
)

func newPgCommitment(id string) *Commitment {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Commitment{
		ID:          id,
		SourceChain: "ethereum",
		TargetChain: "polygon",
		Asset:       "USDC",
		Amount:      big.NewInt(123456789),
		Recipient:   "0x8ba1f109551bd432803012645ac136ddd64dba72",
		LockTxID:    "0xlock",
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresCommitments_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	c := newPgCommitment("cmt_pg001")
	c.Findings = []recovery.Finding{{
		Kind:        recovery.KindAssetWrongChain,
		Severity:    recovery.SeverityHigh,
		Explanation: "asset not issued on target chain",
	}}
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "cmt_pg001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Amount.Cmp(c.Amount) != 0 {
		t.Errorf("Amount: got %s, want %s", got.Amount, c.Amount)
	}
	if got.Status != StatusCreated {
		t.Errorf("Status: got %s, want created", got.Status)
	}
	if got.LockTxID != "0xlock" {
		t.Errorf("LockTxID: got %s", got.LockTxID)
	}
	if len(got.Findings) != 1 || got.Findings[0].Kind != recovery.KindAssetWrongChain {
		t.Errorf("Findings not round-tripped: %+v", got.Findings)
	}
}

func TestPostgresCommitments_GetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	if _, err := store.Get(context.Background(), "cmt_missing"); !errors.Is(err, ErrCommitmentNotFound) {
		t.Errorf("expected ErrCommitmentNotFound, got %v", err)
	}
}

func TestPostgresCommitments_Update(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	c := newPgCommitment("cmt_pg002")
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.Status = StatusSettled
	c.ReleaseTxID = "tx_release"
	c.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, c); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "cmt_pg002")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusSettled {
		t.Errorf("Status: got %s, want settled", got.Status)
	}
	if got.ReleaseTxID != "tx_release" {
		t.Errorf("ReleaseTxID: got %s", got.ReleaseTxID)
	}

	missing := newPgCommitment("cmt_missing")
	if err := store.Update(ctx, missing); !errors.Is(err, ErrCommitmentNotFound) {
		t.Errorf("expected ErrCommitmentNotFound, got %v", err)
	}
}

func TestPostgresCommitments_RecoveredFromReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	orig := newPgCommitment("cmt_pg003")
	orig.Status = StatusMismatchBlocked
	if err := store.Create(ctx, orig); err != nil {
		t.Fatalf("Create original failed: %v", err)
	}

	next := newPgCommitment("cmt_pg004")
	next.RecoveredFrom = orig.ID
	if err := store.Create(ctx, next); err != nil {
		t.Fatalf("Create recovery failed: %v", err)
	}

	got, err := store.Get(ctx, next.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RecoveredFrom != orig.ID {
		t.Errorf("RecoveredFrom: got %s, want %s", got.RecoveredFrom, orig.ID)
	}

	// The reference is a real foreign key.
	dangling := newPgCommitment("cmt_pg005")
	dangling.RecoveredFrom = "cmt_never_existed"
	if err := store.Create(ctx, dangling); err == nil {
		t.Error("expected foreign key violation for dangling recovered_from")
	}
}

func TestPostgresCommitments_List(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"cmt_pga", "cmt_pgb", "cmt_pgc"} {
		c := newPgCommitment(id)
		c.CreatedAt = base.Add(time.Duration(i) * time.Second)
		c.UpdatedAt = c.CreatedAt
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	got, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List size: got %d, want 2", len(got))
	}
	if got[0].ID != "cmt_pgc" || got[1].ID != "cmt_pgb" {
		t.Errorf("List order: got %s, %s; want newest first", got[0].ID, got[1].ID)
	}
}
