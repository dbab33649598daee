package chain

import (
	"errors"
	"testing"
)

type nopAdapter struct{ Adapter }

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(map[string]Entry{
		"bitcoin":  {Adapter: nopAdapter{}, Family: FamilyUTXO},
		"ethereum": {Adapter: nopAdapter{}, Family: FamilyAccount},
		"solana":   {Adapter: nopAdapter{}, Family: FamilyEd25519},
	})

	if _, err := r.Get("ethereum"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	family, err := r.FamilyOf("solana")
	if err != nil {
		t.Fatalf("FamilyOf: %v", err)
	}
	if family != FamilyEd25519 {
		t.Errorf("family = %s, want ed25519", family)
	}

	if _, err := r.Get("dogecoin"); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("expected ErrUnknownChain, got %v", err)
	}
	if _, err := r.FamilyOf("dogecoin"); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("expected ErrUnknownChain, got %v", err)
	}

	if got := len(r.Chains()); got != 3 {
		t.Errorf("Chains() = %d entries, want 3", got)
	}
}
