package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/crossbridge/internal/metrics"
	"github.com/mbd888/crossbridge/internal/recovery"
	"github.com/mbd888/crossbridge/internal/replay"
	"github.com/mbd888/crossbridge/internal/reserve"
	"github.com/mbd888/crossbridge/internal/traces"
	"github.com/mbd888/crossbridge/internal/verifier"
)

var (
	ErrCommitmentNotFound = errors.New("commitment not found")
	ErrInvalidTransfer    = errors.New("invalid transfer request")
	ErrNotRecoverable     = errors.New("commitment is not awaiting recovery")
)

// Store persists commitments.
type Store interface {
	Create(ctx context.Context, c *Commitment) error
	Get(ctx context.Context, id string) (*Commitment, error)
	Update(ctx context.Context, c *Commitment) error
	List(ctx context.Context, limit int) ([]*Commitment, error)
}

// Signer produces the signed release payload for a commitment. Key handling
// and transaction construction live outside the engine.
type Signer interface {
	SignRelease(ctx context.Context, c *Commitment) ([]byte, error)
}

// EventSink receives commitment state changes (realtime streaming).
type EventSink interface {
	CommitmentUpdated(c *Commitment)
}

// HeightObserver receives confirmed source-chain heights (consensus voting).
type HeightObserver interface {
	Observe(height uint64)
}

// Params bound the verification phase.
type Params struct {
	MinConfirmations uint64
	MaxWait          time.Duration
	PollInterval     time.Duration
}

// DefaultParams are conservative enough for test networks.
func DefaultParams() Params {
	return Params{
		MinConfirmations: 6,
		MaxWait:          10 * time.Minute,
		PollInterval:     15 * time.Second,
	}
}

// TransferRequest is the input to CreateTransfer.
type TransferRequest struct {
	SourceChain string `json:"sourceChain" binding:"required"`
	TargetChain string `json:"targetChain" binding:"required"`
	Asset       string `json:"asset" binding:"required"`
	Amount      string `json:"amount" binding:"required"` // integer, smallest unit
	Recipient   string `json:"recipient" binding:"required"`
	LockTxID    string `json:"lockTxId" binding:"required"`
}

// RecoveryRequest is the input to ApproveRecovery.
type RecoveryRequest struct {
	Action       recovery.ActionKind `json:"action" binding:"required"`
	TargetChain  string              `json:"targetChain"`
	NewRecipient string              `json:"newRecipient"`
}

// Coordinator owns every commitment and drives its state machine. Each
// commitment runs on its own goroutine; only the lock-polling phase is ever
// retried, value-moving steps are single-attempt.
type Coordinator struct {
	store    Store
	verifier *verifier.Verifier
	detector *recovery.Detector
	policy   recovery.Policy
	reserves *reserve.Ledger
	guard    *replay.Guard
	signer   Signer
	sink     EventSink
	heights  HeightObserver
	logger   *slog.Logger
	params   Params

	// Per-commitment locks so a status write and a recovery approval cannot
	// interleave on the same record.
	locks sync.Map

	issueMu  sync.Mutex
	issueSeq int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator wires the settlement pipeline together.
func NewCoordinator(store Store, v *verifier.Verifier, d *recovery.Detector, policy recovery.Policy,
	reserves *reserve.Ledger, guard *replay.Guard, signer Signer, logger *slog.Logger, params Params) *Coordinator {
	return &Coordinator{
		store:    store,
		verifier: v,
		detector: d,
		policy:   policy,
		reserves: reserves,
		guard:    guard,
		signer:   signer,
		logger:   logger,
		params:   params,
	}
}

// WithEventSink attaches a realtime event sink.
func (co *Coordinator) WithEventSink(sink EventSink) *Coordinator {
	co.sink = sink
	return co
}

// WithHeightObserver attaches a consensus height observer.
func (co *Coordinator) WithHeightObserver(o HeightObserver) *Coordinator {
	co.heights = o
	return co
}

// Start establishes the lifecycle context for settlement tasks.
func (co *Coordinator) Start(ctx context.Context) {
	co.baseCtx, co.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight polling and waits for settlement tasks to finish.
// Tasks past lock confirmation run their value-moving steps to completion;
// those are compensable, not abortable.
func (co *Coordinator) Stop() {
	if co.cancel != nil {
		co.cancel()
	}
	co.wg.Wait()
}

// Wait blocks until all running settlement tasks have finished (testing).
func (co *Coordinator) Wait() {
	co.wg.Wait()
}

func (co *Coordinator) commitmentLock(id string) *sync.Mutex {
	v, _ := co.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateTransfer validates the request, persists a new commitment, and
// launches its settlement task.
func (co *Coordinator) CreateTransfer(ctx context.Context, req TransferRequest) (*Commitment, error) {
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive integer in smallest units", ErrInvalidTransfer)
	}
	if req.SourceChain == req.TargetChain {
		return nil, fmt.Errorf("%w: source and target chain must differ", ErrInvalidTransfer)
	}

	co.issueMu.Lock()
	co.issueSeq++
	seq := co.issueSeq
	co.issueMu.Unlock()

	now := time.Now()
	c := &Commitment{
		ID:          commitmentID(req.SourceChain, req.Recipient, amount, now.UnixNano()+seq),
		SourceChain: req.SourceChain,
		TargetChain: req.TargetChain,
		Asset:       req.Asset,
		Amount:      amount,
		Recipient:   req.Recipient,
		LockTxID:    req.LockTxID,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := co.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist commitment: %w", err)
	}

	co.logger.Info("commitment created",
		"commitment", c.ID, "source", c.SourceChain, "target", c.TargetChain,
		"asset", c.Asset, "amount", c.Amount.String())

	co.launch(c.ID)
	return c.clone(), nil
}

// GetStatus returns the current commitment record.
func (co *Coordinator) GetStatus(ctx context.Context, id string) (*Commitment, error) {
	return co.store.Get(ctx, id)
}

// List returns recent commitments.
func (co *Coordinator) List(ctx context.Context, limit int) ([]*Commitment, error) {
	if limit <= 0 {
		limit = 50
	}
	return co.store.List(ctx, limit)
}

// launch runs the settlement task for a commitment on its own goroutine.
func (co *Coordinator) launch(id string) {
	ctx := co.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		co.settle(ctx, id)
	}()
}

// settle drives one commitment from created to a terminal state.
func (co *Coordinator) settle(ctx context.Context, id string) {
	ctx, span := traces.StartSpan(ctx, "settlement.settle", traces.CommitmentID(id))
	defer span.End()

	c, err := co.store.Get(ctx, id)
	if err != nil {
		co.logger.Error("settlement task lost its commitment", "commitment", id, "error", err)
		return
	}

	// Phase 1: wait for the source-chain lock to reach finality. This is
	// the only auto-retried phase, bounded by MaxWait.
	co.transition(ctx, c, StatusLockPending, "")
	conf, err := co.verifier.WaitForConfirmations(ctx, c.SourceChain, c.LockTxID,
		co.params.MinConfirmations, co.params.MaxWait, co.params.PollInterval)
	if err != nil {
		metrics.LockVerificationsTotal.WithLabelValues(c.SourceChain, "error").Inc()
		co.fail(ctx, c, StatusLockTimedOut, fmt.Sprintf("lock verification failed: %v", err))
		return
	}
	if !conf.Confirmed {
		metrics.LockVerificationsTotal.WithLabelValues(c.SourceChain, "timeout").Inc()
		co.fail(ctx, c, StatusLockTimedOut, fmt.Sprintf(
			"lock not final after %s: %d of %d confirmations",
			conf.Elapsed.Round(time.Second), conf.Confirmations, co.params.MinConfirmations))
		return
	}
	metrics.LockVerificationsTotal.WithLabelValues(c.SourceChain, "confirmed").Inc()
	if co.heights != nil {
		co.heights.Observe(conf.Height)
	}
	co.transition(ctx, c, StatusLockConfirmed, "")

	// Phase 2: structural validation of the release side. Fail closed:
	// critical findings always block, high findings block until a caller
	// approves a recovery action on a fresh commitment.
	findings := co.detector.Detect(c.TargetChain, c.Recipient, c.Asset)
	for _, f := range findings {
		metrics.MismatchFindingsTotal.WithLabelValues(string(f.Kind), string(f.Severity)).Inc()
	}
	if len(findings) > 0 {
		c.Findings = findings
		if co.policy.Blocks(findings) {
			co.fail(ctx, c, StatusMismatchBlocked, "critical mismatch finding blocks release")
			return
		}
		if co.policy.NeedsApproval(findings) {
			co.fail(ctx, c, StatusMismatchBlocked, "mismatch findings require an approved recovery action")
			return
		}
	}
	co.transition(ctx, c, StatusMismatchChecked, "")

	// Phase 3: reserve the release amount on the target chain before any
	// broadcast. Rejected atomically if liquidity is short.
	if _, err := co.reserves.Mutate(ctx, c.TargetChain, c.Asset, c.Amount, reserve.OpDebit, "release "+c.ID); err != nil {
		var ire *reserve.InsufficientReserveError
		if errors.As(err, &ire) {
			co.fail(ctx, c, StatusReserveInsufficient, ire.Error())
			return
		}
		co.fail(ctx, c, StatusReserveInsufficient, fmt.Sprintf("reserve debit failed: %v", err))
		return
	}

	// Phase 4: relay the release under nonce protection. Single attempt;
	// on failure the reserve debit is reversed before the terminal mark so
	// conservation holds (the nonce stays spent by design of the guard).
	payload, err := co.signer.SignRelease(ctx, c)
	if err != nil {
		co.refundReserve(ctx, c)
		co.fail(ctx, c, StatusReleaseFailed, fmt.Sprintf("failed to build release payload: %v", err))
		return
	}
	co.transition(ctx, c, StatusReleaseRelayed, "")

	res, err := co.guard.Relay(ctx, c.Recipient, c.TargetChain, payload, nil)
	if err != nil {
		co.refundReserve(ctx, c)
		co.fail(ctx, c, StatusReleaseFailed, fmt.Sprintf("relay failed: %v", err))
		return
	}

	// The locked value on the source chain now backs the bridge: credit it
	// into the source-side reserve.
	if _, err := co.reserves.Mutate(ctx, c.SourceChain, c.Asset, c.Amount, reserve.OpCredit, "lock "+c.ID); err != nil {
		co.logger.Error("CRITICAL: release settled but source reserve credit failed",
			"commitment", c.ID, "error", err)
	}

	c.ReleaseTxID = res.Identifier
	co.transition(ctx, c, StatusSettled, "")
	co.logger.Info("commitment settled",
		"commitment", c.ID, "release_tx", res.Identifier, "fee", res.FeePaid.String())
}

// refundReserve reverses the phase-3 debit after a failed release.
func (co *Coordinator) refundReserve(ctx context.Context, c *Commitment) {
	if _, err := co.reserves.Mutate(ctx, c.TargetChain, c.Asset, c.Amount, reserve.OpCredit, "release reversal "+c.ID); err != nil {
		co.logger.Error("CRITICAL: reserve reversal failed after release failure",
			"commitment", c.ID, "chain", c.TargetChain, "asset", c.Asset,
			"amount", c.Amount.String(), "error", err)
	}
}

// transition moves a commitment to a non-terminal-or-success state.
func (co *Coordinator) transition(ctx context.Context, c *Commitment, next Status, detail string) {
	co.setStatus(ctx, c, next, detail)
}

// fail moves a commitment to a terminal failure state.
func (co *Coordinator) fail(ctx context.Context, c *Commitment, next Status, detail string) {
	co.setStatus(ctx, c, next, detail)
	co.logger.Warn("commitment failed",
		"commitment", c.ID, "state", next, "detail", detail)
}

func (co *Coordinator) setStatus(ctx context.Context, c *Commitment, next Status, detail string) {
	mu := co.commitmentLock(c.ID)
	mu.Lock()
	defer mu.Unlock()

	if c.Status.IsTerminal() {
		// Terminal states are immutable; refusing the write preserves the
		// monotonicity invariant even on buggy call paths.
		co.logger.Error("refused status regression",
			"commitment", c.ID, "from", c.Status, "to", next)
		return
	}

	c.Status = next
	c.ErrorDetail = detail
	c.UpdatedAt = time.Now()
	if err := co.store.Update(ctx, c); err != nil {
		// Retry once; the in-memory record is ahead of the store otherwise.
		if rerr := co.store.Update(ctx, c); rerr != nil {
			co.logger.Error("CRITICAL: commitment status update failed",
				"commitment", c.ID, "state", next, "error", rerr)
		}
	}

	if next.IsTerminal() {
		metrics.CommitmentsTotal.WithLabelValues(string(next)).Inc()
		metrics.SettlementDuration.Observe(time.Since(c.CreatedAt).Seconds())
	}
	if co.sink != nil {
		co.sink.CommitmentUpdated(c.clone())
	}
}

// ApproveRecovery records the caller-approved remediation for a blocked
// commitment and spawns a new commitment that references the original. The
// original stays in its terminal state for audit.
func (co *Coordinator) ApproveRecovery(ctx context.Context, id string, req RecoveryRequest) (*Commitment, error) {
	mu := co.commitmentLock(id)
	mu.Lock()
	orig, err := co.store.Get(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if orig.Status != StatusMismatchBlocked {
		mu.Unlock()
		return nil, fmt.Errorf("%w: status %s", ErrNotRecoverable, orig.Status)
	}

	action, err := co.detector.ProposeRecovery(orig.Findings, req.Action, req.TargetChain)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()

	targetChain := orig.TargetChain
	recipient := orig.Recipient
	switch action.Action {
	case recovery.ActionReroute:
		targetChain = action.TargetChain
	case recovery.ActionCorrectAddress:
		if req.NewRecipient == "" {
			return nil, fmt.Errorf("%w: corrected address required", recovery.ErrInvalidAction)
		}
		recipient = req.NewRecipient
	}

	co.issueMu.Lock()
	co.issueSeq++
	seq := co.issueSeq
	co.issueMu.Unlock()

	now := time.Now()
	next := &Commitment{
		ID:            commitmentID(orig.SourceChain, recipient, orig.Amount, now.UnixNano()+seq),
		SourceChain:   orig.SourceChain,
		TargetChain:   targetChain,
		Asset:         orig.Asset,
		Amount:        new(big.Int).Set(orig.Amount),
		Recipient:     recipient,
		LockTxID:      orig.LockTxID,
		Status:        StatusCreated,
		RecoveredFrom: orig.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := co.store.Create(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist recovery commitment: %w", err)
	}

	co.logger.Info("recovery approved",
		"original", orig.ID, "commitment", next.ID,
		"action", action.Action, "target", targetChain)

	co.launch(next.ID)
	return next.clone(), nil
}
