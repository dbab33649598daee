// Package verifier checks that source-chain lock transactions exist and have
// reached a caller-specified confirmation depth.
//
// The verifier is purely observational: it never broadcasts, never mutates
// reserves, and can be called concurrently for any number of transactions.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/crossbridge/internal/chain"
	"github.com/mbd888/crossbridge/internal/circuitbreaker"
	"github.com/mbd888/crossbridge/internal/retry"
)

// Confirmation is the normalized verification result. Below-threshold depth
// is reported as Confirmed=false with a nil error; only adapter failures and
// unknown transactions are errors.
type Confirmation struct {
	Confirmed     bool          `json:"confirmed"`
	Confirmations uint64        `json:"confirmations"`
	Height        uint64        `json:"height"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Value         *big.Int      `json:"value"`
	Success       bool          `json:"success"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
}

// Verifier queries chain adapters and normalizes their answers.
type Verifier struct {
	registry *chain.Registry
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger

	// Bounded retry for transient adapter errors within a single poll.
	queryAttempts int
	queryBackoff  time.Duration
}

// New creates a verifier over the given adapter registry.
func New(registry *chain.Registry, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Verifier {
	return &Verifier{
		registry:      registry,
		breaker:       breaker,
		logger:        logger,
		queryAttempts: 3,
		queryBackoff:  250 * time.Millisecond,
	}
}

// Verify performs a single confirmation check for txID on chainID.
func (v *Verifier) Verify(ctx context.Context, chainID, txID string, minConfirmations uint64) (*Confirmation, error) {
	adapter, err := v.registry.Get(chainID)
	if err != nil {
		return nil, err
	}
	family, err := v.registry.FamilyOf(chainID)
	if err != nil {
		return nil, err
	}

	if !v.breaker.Allow(chainID) {
		return nil, fmt.Errorf("%w: circuit open for %s", chain.ErrAdapterUnavailable, chainID)
	}

	var info *chain.TxInfo
	err = retry.Do(ctx, v.queryAttempts, v.queryBackoff, func() error {
		var qerr error
		info, qerr = adapter.GetTransaction(ctx, txID)
		if qerr == nil {
			return nil
		}
		// Only upstream unavailability is worth retrying inside one poll.
		if errors.Is(qerr, chain.ErrAdapterUnavailable) {
			return qerr
		}
		return retry.Permanent(qerr)
	})
	if err != nil {
		if errors.Is(err, chain.ErrAdapterUnavailable) {
			v.breaker.RecordFailure(chainID)
		}
		return nil, err
	}
	v.breaker.RecordSuccess(chainID)

	if !info.Found {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txID)
	}

	conf := &Confirmation{
		Confirmations: info.Confirmations,
		Height:        info.Height,
		From:          info.From,
		To:            info.To,
		Value:         info.Value,
		Success:       info.Success,
	}
	conf.Confirmed = info.Confirmations >= minConfirmations
	if family == chain.FamilyAccount {
		// Account chains can bury a reverted transaction under many blocks;
		// depth alone is not enough.
		conf.Confirmed = conf.Confirmed && info.Success
	}
	return conf, nil
}

// WaitForConfirmations polls Verify at pollInterval until the transaction is
// confirmed or maxWait elapses. Timeout is a normal, reportable outcome: the
// result carries Confirmed=false and the elapsed time, with a nil error.
func (v *Verifier) WaitForConfirmations(ctx context.Context, chainID, txID string, minConfirmations uint64, maxWait, pollInterval time.Duration) (*Confirmation, error) {
	start := time.Now()
	deadline := start.Add(maxWait)

	var last *Confirmation
	for {
		conf, err := v.Verify(ctx, chainID, txID, minConfirmations)
		switch {
		case err == nil:
			if conf.Confirmed {
				conf.Elapsed = time.Since(start)
				return conf, nil
			}
			last = conf
		case errors.Is(err, chain.ErrAdapterUnavailable):
			// Transient; keep polling until the window closes.
			v.logger.Warn("lock verification poll failed",
				"chain", chainID, "tx", txID, "error", err)
		default:
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		sleep := pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}

	if last == nil {
		last = &Confirmation{}
	}
	last.Confirmed = false
	last.Elapsed = time.Since(start)
	v.logger.Info("confirmation wait timed out",
		"chain", chainID, "tx", txID,
		"confirmations", last.Confirmations, "required", minConfirmations,
		"elapsed", last.Elapsed)
	return last, nil
}
