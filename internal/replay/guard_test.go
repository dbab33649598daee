package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/crossbridge/internal/chain"
	"github.com/mbd888/crossbridge/internal/chain/chainmock"
)

func testGuard(t *testing.T) (*Guard, *chainmock.Adapter) {
	t.Helper()
	adapter := chainmock.New()
	registry := chain.NewRegistry(map[string]chain.Entry{
		"ethereum": {Adapter: adapter, Family: chain.FamilyAccount},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGuard(NewMemoryStore(), registry, logger), adapter
}

func rejectionReason(t *testing.T, err error) Reason {
	t.Helper()
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	return rej.Reason
}

func TestIssueNonce_DistinctUnderRapidCalls(t *testing.T) {
	g, _ := testGuard(t)
	ctx := context.Background()

	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		n, err := g.IssueNonce(ctx, "0xactor")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if seen[n.Value] {
			t.Fatalf("duplicate nonce %d", n.Value)
		}
		seen[n.Value] = true
	}
}

func TestCheckAndConsume_ExactlyOnce(t *testing.T) {
	g, _ := testGuard(t)
	ctx := context.Background()

	n, err := g.IssueNonce(ctx, "0xactor")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := g.CheckAndConsume(ctx, n.Value, "0xactor"); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	err = g.CheckAndConsume(ctx, n.Value, "0xactor")
	if !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected, got %v", err)
	}
	if reason := rejectionReason(t, err); reason != ReasonReplay {
		t.Errorf("reason = %s, want replay", reason)
	}
}

func TestCheckAndConsume_Rejections(t *testing.T) {
	g, _ := testGuard(t)
	ctx := context.Background()

	// Never issued.
	err := g.CheckAndConsume(ctx, 12345, "0xactor")
	if reason := rejectionReason(t, err); reason != ReasonUnknown {
		t.Errorf("reason = %s, want unknown", reason)
	}

	// Issued to someone else.
	n, _ := g.IssueNonce(ctx, "0xactor")
	err = g.CheckAndConsume(ctx, n.Value, "0xother")
	if reason := rejectionReason(t, err); reason != ReasonActor {
		t.Errorf("reason = %s, want actor", reason)
	}

	// Past the expiry window, even though never consumed.
	g = g.WithExpiry(time.Millisecond)
	n2, _ := g.IssueNonce(ctx, "0xactor")
	time.Sleep(5 * time.Millisecond)
	err = g.CheckAndConsume(ctx, n2.Value, "0xactor")
	if reason := rejectionReason(t, err); reason != ReasonExpired {
		t.Errorf("reason = %s, want expired", reason)
	}
}

// Two racing relays on the same nonce: exactly one broadcast happens.
func TestRelay_ConcurrentSameNonce(t *testing.T) {
	g, adapter := testGuard(t)
	ctx := context.Background()

	n, err := g.IssueNonce(ctx, "0xactor")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), &n.Value)
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrReplayRejected):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("succeeded=%d rejected=%d, want exactly one of each", succeeded, rejected)
	}
	if got := len(adapter.Broadcasts()); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}
}

// A failed broadcast burns the nonce: retrying with it must be rejected so a
// possibly-landed transaction can never be duplicated.
func TestRelay_NonceSpentOnBroadcastFailure(t *testing.T) {
	g, adapter := testGuard(t)
	ctx := context.Background()
	adapter.RejectBroadcasts("insufficient fee")

	n, _ := g.IssueNonce(ctx, "0xactor")
	_, err := g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), &n.Value)
	if !errors.Is(err, chain.ErrBroadcastRejected) {
		t.Fatalf("expected ErrBroadcastRejected, got %v", err)
	}

	adapter.RejectBroadcasts("")
	_, err = g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), &n.Value)
	if reason := rejectionReason(t, err); reason != ReasonReplay {
		t.Errorf("reason = %s, want replay", reason)
	}

	// A fresh nonce relays fine.
	if _, err := g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), nil); err != nil {
		t.Fatalf("fresh nonce relay: %v", err)
	}
}

func TestRelay_FeeAccounting(t *testing.T) {
	g, adapter := testGuard(t)
	ctx := context.Background()
	adapter.SetBroadcastFee(big.NewInt(21000))

	for i := 0; i < 3; i++ {
		res, err := g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), nil)
		if err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
		if res.FeePaid.Cmp(big.NewInt(21000)) != 0 {
			t.Errorf("fee = %s, want 21000", res.FeePaid)
		}
	}

	// One blocked replay on a consumed nonce.
	n, _ := g.IssueNonce(ctx, "0xactor")
	_, _ = g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), &n.Value)
	_, _ = g.Relay(ctx, "0xactor", "ethereum", []byte("payload"), &n.Value)

	stats := g.Stats()
	if stats.Relayed != 4 {
		t.Errorf("relayed = %d, want 4", stats.Relayed)
	}
	if stats.FeesPaid != "84000" {
		t.Errorf("feesPaid = %s, want 84000", stats.FeesPaid)
	}
	if stats.ReplaysBlocked != 1 {
		t.Errorf("replaysBlocked = %d, want 1", stats.ReplaysBlocked)
	}
}

func TestRelay_UnknownChain(t *testing.T) {
	g, _ := testGuard(t)
	_, err := g.Relay(context.Background(), "0xactor", "dogecoin", []byte("payload"), nil)
	if !errors.Is(err, chain.ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestPruneExpired(t *testing.T) {
	g, _ := testGuard(t)
	g = g.WithExpiry(time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.IssueNonce(ctx, "0xactor"); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	time.Sleep(5 * time.Millisecond)

	removed, err := g.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}
}
