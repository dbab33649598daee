package recovery

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNoFindings    = errors.New("no findings to recover from")
	ErrInvalidAction = errors.New("invalid recovery action")
	ErrMissingChain  = errors.New("recovery action requires a target chain")
)

// Kind identifies a finding.
type Kind string

const (
	KindInvalidAddressFormat Kind = "invalid-address-format"
	KindAssetWrongChain      Kind = "asset-wrong-chain"
	KindAddressChainMismatch Kind = "address-chain-mismatch"
)

// Severity grades a finding. The severity-to-policy mapping (block vs.
// require approval) lives in Policy, not here.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ActionKind identifies a remediation.
type ActionKind string

const (
	ActionReroute        ActionKind = "reroute"         // re-route to a different chain
	ActionCorrectAddress ActionKind = "correct-address" // request a corrected address
)

// Suggestion is a proposed remediation attached to a finding.
type Suggestion struct {
	Action      ActionKind `json:"action"`
	TargetChain string     `json:"targetChain,omitempty"`
	Asset       string     `json:"asset,omitempty"`
}

// Finding is one detected inconsistency. Findings are persisted alongside
// the commitment they were raised against.
type Finding struct {
	Kind        Kind         `json:"kind"`
	Severity    Severity     `json:"severity"`
	Explanation string       `json:"explanation"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// RecoveryAction is the caller-approved remediation handed back to the
// coordinator. It never executes a transfer itself.
type RecoveryAction struct {
	Action      ActionKind `json:"action"`
	TargetChain string     `json:"targetChain,omitempty"`
	Findings    []Finding  `json:"findings"`
}

// Policy maps severities to handling. Findings at or above BlockAt always
// block; findings at or above ApproveAt need an explicit caller-approved
// recovery action to proceed.
type Policy struct {
	BlockAt   Severity
	ApproveAt Severity
}

// DefaultPolicy blocks critical findings and requires approval for high ones.
func DefaultPolicy() Policy {
	return Policy{BlockAt: SeverityCritical, ApproveAt: SeverityHigh}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Blocks reports whether a finding set contains a severity that always blocks.
func (p Policy) Blocks(findings []Finding) bool {
	for _, f := range findings {
		if severityRank(f.Severity) >= severityRank(p.BlockAt) {
			return true
		}
	}
	return false
}

// NeedsApproval reports whether a finding set requires an explicit
// caller-approved recovery action before the transfer may proceed.
func (p Policy) NeedsApproval(findings []Finding) bool {
	for _, f := range findings {
		if severityRank(f.Severity) >= severityRank(p.ApproveAt) {
			return true
		}
	}
	return false
}

// Detector runs the mismatch checks over the injected registries. It is a
// pure function of its inputs: no network calls, fully deterministic.
type Detector struct {
	registry *Registry
}

// NewDetector creates a detector over the given rule registry.
func NewDetector(registry *Registry) *Detector {
	return &Detector{registry: registry}
}

// Detect runs all three checks against (sourceChain, targetAddress,
// assetSymbol). The checks are independent and may all fire at once.
func (d *Detector) Detect(sourceChain, targetAddress, assetSymbol string) []Finding {
	var findings []Finding

	// 1. Address-format check against the chain's registered pattern.
	if !d.registry.matches(sourceChain, targetAddress) {
		f := Finding{
			Kind:        KindInvalidAddressFormat,
			Severity:    SeverityHigh,
			Explanation: fmt.Sprintf("address %q does not match the %s address format", targetAddress, sourceChain),
		}
		if rule, ok := d.registry.rule(sourceChain); ok {
			for _, sib := range sortedCopy(rule.Siblings) {
				if sib == sourceChain {
					continue
				}
				f.Suggestions = append(f.Suggestions, Suggestion{Action: ActionReroute, TargetChain: sib})
			}
		}
		findings = append(findings, f)
	}

	// 2. Asset-availability check.
	validChains := d.registry.chainsFor(assetSymbol)
	if len(validChains) > 0 && !contains(validChains, sourceChain) {
		f := Finding{
			Kind:        KindAssetWrongChain,
			Severity:    SeverityHigh,
			Explanation: fmt.Sprintf("asset %s is not available on %s", assetSymbol, sourceChain),
		}
		for _, c := range sortedCopy(validChains) {
			f.Suggestions = append(f.Suggestions, Suggestion{Action: ActionReroute, TargetChain: c, Asset: assetSymbol})
		}
		findings = append(findings, f)
	}

	// 3. Reverse address-sniff: a syntactically valid address for the wrong
	// network is the strongest signal of caller error.
	inferred := sortedCopy(d.registry.sniff(targetAddress))
	if len(inferred) > 0 && !contains(inferred, sourceChain) {
		f := Finding{
			Kind:        KindAddressChainMismatch,
			Severity:    SeverityCritical,
			Explanation: fmt.Sprintf("address %q matches the %v address format, not %s", targetAddress, inferred, sourceChain),
		}
		for _, c := range inferred {
			f.Suggestions = append(f.Suggestions, Suggestion{Action: ActionReroute, TargetChain: c})
		}
		f.Suggestions = append(f.Suggestions, Suggestion{Action: ActionCorrectAddress})
		findings = append(findings, f)
	}

	return findings
}

// ProposeRecovery validates the chosen remediation against the findings it
// was raised for and returns the instruction the coordinator will act on.
func (d *Detector) ProposeRecovery(findings []Finding, chosen ActionKind, targetChain string) (*RecoveryAction, error) {
	if len(findings) == 0 {
		return nil, ErrNoFindings
	}

	switch chosen {
	case ActionReroute:
		if targetChain == "" {
			return nil, ErrMissingChain
		}
		if _, ok := d.registry.rule(targetChain); !ok {
			return nil, fmt.Errorf("%w: unknown chain %s", ErrInvalidAction, targetChain)
		}
	case ActionCorrectAddress:
		// No chain needed; the caller will resubmit with a new address.
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, chosen)
	}

	return &RecoveryAction{
		Action:      chosen,
		TargetChain: targetChain,
		Findings:    append([]Finding(nil), findings...),
	}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortedCopy(list []string) []string {
	cp := append([]string(nil), list...)
	sort.Strings(cp)
	return cp
}
