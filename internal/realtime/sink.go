package realtime

import (
	"github.com/mbd888/crossbridge/internal/settlement"
)

// CommitmentSink adapts the hub to the settlement coordinator's event sink.
type CommitmentSink struct {
	hub *Hub
}

// NewCommitmentSink wraps a hub for commitment transition streaming.
func NewCommitmentSink(hub *Hub) *CommitmentSink {
	return &CommitmentSink{hub: hub}
}

// CommitmentUpdated broadcasts a state transition to subscribed clients.
func (s *CommitmentSink) CommitmentUpdated(c *settlement.Commitment) {
	data := map[string]interface{}{
		"id":          c.ID,
		"status":      string(c.Status),
		"sourceChain": c.SourceChain,
		"targetChain": c.TargetChain,
		"asset":       c.Asset,
		"amount":      c.Amount.String(),
		"terminal":    c.Status.IsTerminal(),
	}
	if c.ErrorDetail != "" {
		data["errorDetail"] = c.ErrorDetail
	}
	if c.ReleaseTxID != "" {
		data["releaseTxId"] = c.ReleaseTxID
	}
	s.hub.BroadcastCommitment(data)
}
