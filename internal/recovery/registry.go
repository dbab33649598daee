// Package recovery catches structurally doomed transfers before any
// irreversible release happens, and records the chosen remediation.
package recovery

import (
	"regexp"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
)

// AddressRule describes the address format a chain accepts.
type AddressRule struct {
	// Pattern is a coarse syntactic filter applied first.
	Pattern *regexp.Regexp
	// Decode performs the stricter format check (checksum, payload length).
	// Nil means the pattern alone decides.
	Decode func(addr string) bool
	// Siblings are chains sharing this address format; they are suggested as
	// the probable intended target when the format check fails.
	Siblings []string
}

// Registry holds the immutable address-format and asset-availability rules
// injected into the detector at construction. Never mutated at runtime, so
// concurrent reads are free.
type Registry struct {
	addressRules map[string]AddressRule
	assetChains  map[string][]string
}

// NewRegistry builds a registry from explicit rule maps.
func NewRegistry(addressRules map[string]AddressRule, assetChains map[string][]string) *Registry {
	ar := make(map[string]AddressRule, len(addressRules))
	for k, v := range addressRules {
		ar[k] = v
	}
	ac := make(map[string][]string, len(assetChains))
	for k, v := range assetChains {
		ac[k] = append([]string(nil), v...)
	}
	return &Registry{addressRules: ar, assetChains: ac}
}

var (
	btcBase58Pattern = regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$`)
	btcBech32Pattern = regexp.MustCompile(`^bc1[ac-hj-np-z02-9]{11,87}$`)
	hexAddrPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	ed25519Pattern   = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// decodeBase58Check verifies a base58check address with a 20-byte payload.
func decodeBase58Check(addr string) bool {
	_, _, err := base58.CheckDecode(addr)
	return err == nil
}

// decodeBase58Key verifies a raw base58 32-byte public key (ed25519 chains).
func decodeBase58Key(addr string) bool {
	return len(base58.Decode(addr)) == 32
}

// DefaultRegistry returns the rule set for the chains the bridge ships with.
func DefaultRegistry() *Registry {
	utxoRule := AddressRule{
		Pattern: regexp.MustCompile(btcBase58Pattern.String() + "|" + btcBech32Pattern.String()),
		Decode: func(addr string) bool {
			if btcBech32Pattern.MatchString(addr) {
				return true
			}
			return decodeBase58Check(addr)
		},
		Siblings: []string{"bitcoin", "litecoin"},
	}
	accountRule := AddressRule{
		Pattern:  hexAddrPattern,
		Decode:   common.IsHexAddress,
		Siblings: []string{"ethereum", "polygon", "bsc"},
	}
	ed25519Rule := AddressRule{
		Pattern: ed25519Pattern,
		Decode:  decodeBase58Key,
	}

	return NewRegistry(
		map[string]AddressRule{
			"bitcoin":  utxoRule,
			"litecoin": utxoRule,
			"ethereum": accountRule,
			"polygon":  accountRule,
			"bsc":      accountRule,
			"solana":   ed25519Rule,
		},
		map[string][]string{
			"BTC":  {"bitcoin"},
			"LTC":  {"litecoin"},
			"ETH":  {"ethereum"},
			"SOL":  {"solana"},
			"USDC": {"ethereum", "polygon", "bsc", "solana"},
			"USDT": {"ethereum", "polygon", "bsc"},
		},
	)
}

// rule returns the address rule for a chain.
func (r *Registry) rule(chainID string) (AddressRule, bool) {
	rule, ok := r.addressRules[chainID]
	return rule, ok
}

// chainsFor returns the chains an asset is available on.
func (r *Registry) chainsFor(asset string) []string {
	return r.assetChains[asset]
}

// matches reports whether addr satisfies a chain's address rule.
func (r *Registry) matches(chainID, addr string) bool {
	rule, ok := r.addressRules[chainID]
	if !ok {
		return false
	}
	if !rule.Pattern.MatchString(addr) {
		return false
	}
	if rule.Decode != nil {
		return rule.Decode(addr)
	}
	return true
}

// sniff infers which chains' address format addr actually matches.
func (r *Registry) sniff(addr string) []string {
	var matched []string
	for chainID := range r.addressRules {
		if r.matches(chainID, addr) {
			matched = append(matched, chainID)
		}
	}
	return matched
}
