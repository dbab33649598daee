package recovery

import (
	"errors"
	"reflect"
	"testing"
)

const (
	btcAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa" // base58check, 20-byte payload
	ethAddr = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	solAddr = "11111111111111111111111111111111" // raw base58, 32-byte key
)

func testDetector() *Detector {
	return NewDetector(DefaultRegistry())
}

func findingKinds(findings []Finding) []Kind {
	kinds := make([]Kind, 0, len(findings))
	for _, f := range findings {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

func findByKind(t *testing.T, findings []Finding, kind Kind) Finding {
	t.Helper()
	for _, f := range findings {
		if f.Kind == kind {
			return f
		}
	}
	t.Fatalf("no %s finding in %v", kind, findingKinds(findings))
	return Finding{}
}

func TestDetect_CleanTransfer(t *testing.T) {
	d := testDetector()
	if findings := d.Detect("bitcoin", btcAddr, "BTC"); len(findings) != 0 {
		t.Fatalf("expected no findings, got %v", findingKinds(findings))
	}
	if findings := d.Detect("ethereum", ethAddr, "ETH"); len(findings) != 0 {
		t.Fatalf("expected no findings, got %v", findingKinds(findings))
	}
	if findings := d.Detect("solana", solAddr, "SOL"); len(findings) != 0 {
		t.Fatalf("expected no findings, got %v", findingKinds(findings))
	}
}

// An account-style address submitted against bitcoin must raise the critical
// wrong-network finding, not just a format complaint.
func TestDetect_EthAddressOnBitcoin(t *testing.T) {
	d := testDetector()
	findings := d.Detect("bitcoin", ethAddr, "BTC")

	format := findByKind(t, findings, KindInvalidAddressFormat)
	if format.Severity != SeverityHigh {
		t.Errorf("format finding severity = %s, want high", format.Severity)
	}

	mismatch := findByKind(t, findings, KindAddressChainMismatch)
	if mismatch.Severity != SeverityCritical {
		t.Errorf("mismatch finding severity = %s, want critical", mismatch.Severity)
	}

	// The sniffed chains should be suggested as reroute targets, plus the
	// correct-address fallback.
	var reroutes []string
	hasCorrect := false
	for _, s := range mismatch.Suggestions {
		switch s.Action {
		case ActionReroute:
			reroutes = append(reroutes, s.TargetChain)
		case ActionCorrectAddress:
			hasCorrect = true
		}
	}
	if !reflect.DeepEqual(reroutes, []string{"bsc", "ethereum", "polygon"}) {
		t.Errorf("reroute suggestions = %v, want account chains in order", reroutes)
	}
	if !hasCorrect {
		t.Error("expected a correct-address suggestion")
	}
}

func TestDetect_AssetWrongChain(t *testing.T) {
	d := testDetector()
	findings := d.Detect("bitcoin", btcAddr, "USDC")

	f := findByKind(t, findings, KindAssetWrongChain)
	if f.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high", f.Severity)
	}
	var chains []string
	for _, s := range f.Suggestions {
		chains = append(chains, s.TargetChain)
	}
	if !reflect.DeepEqual(chains, []string{"bsc", "ethereum", "polygon", "solana"}) {
		t.Errorf("suggested chains = %v", chains)
	}
}

func TestDetect_MalformedAddress(t *testing.T) {
	d := testDetector()

	// Right shape, corrupted checksum: the strict decode must catch it.
	corrupted := btcAddr[:len(btcAddr)-1] + "b"
	findings := d.Detect("bitcoin", corrupted, "BTC")
	f := findByKind(t, findings, KindInvalidAddressFormat)

	// Sibling UTXO chains are suggested, excluding the chain itself.
	for _, s := range f.Suggestions {
		if s.TargetChain == "bitcoin" {
			t.Error("suggestions must not include the chain under scrutiny")
		}
	}
}

func TestDetect_Deterministic(t *testing.T) {
	d := testDetector()
	first := d.Detect("bitcoin", ethAddr, "USDC")
	for i := 0; i < 50; i++ {
		if got := d.Detect("bitcoin", ethAddr, "USDC"); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n got %+v\nwant %+v", i, got, first)
		}
	}
}

func TestDetect_AllChecksFireTogether(t *testing.T) {
	d := testDetector()
	findings := d.Detect("bitcoin", ethAddr, "USDC")
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %v", findingKinds(findings))
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := DefaultPolicy()

	critical := []Finding{{Kind: KindAddressChainMismatch, Severity: SeverityCritical}}
	high := []Finding{{Kind: KindInvalidAddressFormat, Severity: SeverityHigh}}
	low := []Finding{{Kind: KindAssetWrongChain, Severity: SeverityLow}}

	if !p.Blocks(critical) {
		t.Error("critical findings must block")
	}
	if p.Blocks(high) {
		t.Error("high findings must not hard-block under the default policy")
	}
	if !p.NeedsApproval(high) {
		t.Error("high findings must require approval")
	}
	if p.NeedsApproval(low) {
		t.Error("low findings must not require approval")
	}
}

func TestPolicy_Configurable(t *testing.T) {
	strict := Policy{BlockAt: SeverityHigh, ApproveAt: SeverityLow}
	high := []Finding{{Severity: SeverityHigh}}
	if !strict.Blocks(high) {
		t.Error("strict policy should block high findings")
	}
}

func TestProposeRecovery_Reroute(t *testing.T) {
	d := testDetector()
	findings := d.Detect("bitcoin", ethAddr, "BTC")

	action, err := d.ProposeRecovery(findings, ActionReroute, "ethereum")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Action != ActionReroute || action.TargetChain != "ethereum" {
		t.Errorf("action = %+v", action)
	}
	if len(action.Findings) != len(findings) {
		t.Error("original findings must be carried on the action")
	}
}

func TestProposeRecovery_Errors(t *testing.T) {
	d := testDetector()
	findings := []Finding{{Kind: KindInvalidAddressFormat, Severity: SeverityHigh}}

	if _, err := d.ProposeRecovery(nil, ActionReroute, "ethereum"); !errors.Is(err, ErrNoFindings) {
		t.Errorf("expected ErrNoFindings, got %v", err)
	}
	if _, err := d.ProposeRecovery(findings, ActionReroute, ""); !errors.Is(err, ErrMissingChain) {
		t.Errorf("expected ErrMissingChain, got %v", err)
	}
	if _, err := d.ProposeRecovery(findings, ActionReroute, "dogecoin"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction for unknown chain, got %v", err)
	}
	if _, err := d.ProposeRecovery(findings, ActionKind("burn"), ""); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction for unknown action, got %v", err)
	}
	if _, err := d.ProposeRecovery(findings, ActionCorrectAddress, ""); err != nil {
		t.Errorf("correct-address needs no chain, got %v", err)
	}
}
