package settlement

import (
	"context"
	"encoding/json"
)

// releaseInstruction is the canonical release payload shape.
type releaseInstruction struct {
	CommitmentID string `json:"commitmentId"`
	TargetChain  string `json:"targetChain"`
	Recipient    string `json:"recipient"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
}

// LocalSigner builds unsigned canonical release payloads. It is suitable for
// development and for adapters that accept instruction payloads directly;
// production chains need a Signer backed by real key material.
type LocalSigner struct{}

// NewLocalSigner creates a payload-only signer.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{}
}

// SignRelease serializes the release instruction for broadcast.
func (s *LocalSigner) SignRelease(_ context.Context, c *Commitment) ([]byte, error) {
	return json.Marshal(releaseInstruction{
		CommitmentID: c.ID,
		TargetChain:  c.TargetChain,
		Recipient:    c.Recipient,
		Asset:        c.Asset,
		Amount:       c.Amount.String(),
	})
}
