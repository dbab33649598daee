package settlement

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crossbridge/internal/recovery"
	"github.com/mbd888/crossbridge/internal/replay"
	"github.com/mbd888/crossbridge/internal/reserve"
	"github.com/mbd888/crossbridge/internal/validation"
)

// Handler provides HTTP endpoints for transfers, reserves, and relay stats.
type Handler struct {
	coordinator *Coordinator
	reserves    *reserve.Ledger
	guard       *replay.Guard
	alerts      reserve.AlertThresholds
}

// NewHandler creates a new settlement handler.
func NewHandler(co *Coordinator, reserves *reserve.Ledger, guard *replay.Guard, alerts reserve.AlertThresholds) *Handler {
	return &Handler{coordinator: co, reserves: reserves, guard: guard, alerts: alerts}
}

// RegisterRoutes sets up the settlement API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.CreateTransfer)
	r.GET("/transfers", h.ListTransfers)
	r.GET("/transfers/:id", h.GetTransfer)
	r.POST("/transfers/:id/recovery", h.ApproveRecovery)
	r.GET("/reserves", h.ListReserves)
	r.POST("/reserves/adjust", h.AdjustReserve)
	r.POST("/reserves/rebalance", h.RebalanceReserves)
	r.GET("/reserves/proof", h.ProofOfReserves)
	r.GET("/reserves/alerts", h.ReserveAlerts)
	r.GET("/relay/stats", h.RelayStats)
}

// CreateTransfer handles POST /api/v1/transfers
func (h *Handler) CreateTransfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("recipient", req.Recipient, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	commitment, err := h.coordinator.CreateTransfer(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidTransfer) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_transfer",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transfer_failed",
			"message": "Failed to create transfer",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transfer": commitment})
}

// GetTransfer handles GET /api/v1/transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	commitment, err := h.coordinator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCommitmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transfer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transfer": commitment})
}

// ListTransfers handles GET /api/v1/transfers
func (h *Handler) ListTransfers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	commitments, err := h.coordinator.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transfers",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transfers": commitments,
		"count":     len(commitments),
	})
}

// ApproveRecovery handles POST /api/v1/transfers/:id/recovery
func (h *Handler) ApproveRecovery(c *gin.Context) {
	var req RecoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	commitment, err := h.coordinator.ApproveRecovery(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrCommitmentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transfer not found",
			})
		case errors.Is(err, ErrNotRecoverable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_recoverable",
				"message": err.Error(),
			})
		case errors.Is(err, recovery.ErrInvalidAction),
			errors.Is(err, recovery.ErrMissingChain),
			errors.Is(err, recovery.ErrNoFindings):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_recovery",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "recovery_failed",
				"message": "Failed to approve recovery",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transfer": commitment})
}

// AdjustReserveRequest is the operator input to a reserve adjustment. Delta
// is a signed integer in smallest units: positive credits, negative debits.
type AdjustReserveRequest struct {
	Chain  string `json:"chain" binding:"required"`
	Asset  string `json:"asset" binding:"required"`
	Delta  string `json:"delta" binding:"required"`
	Reason string `json:"reason"`
}

// RebalanceRequest moves liquidity between two chains for one asset.
type RebalanceRequest struct {
	SourceChain string `json:"sourceChain" binding:"required"`
	TargetChain string `json:"targetChain" binding:"required"`
	Asset       string `json:"asset" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
}

// AdjustReserve handles POST /api/v1/reserves/adjust
func (h *Handler) AdjustReserve(c *gin.Context) {
	var req AdjustReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	delta, ok := new(big.Int).SetString(req.Delta, 10)
	if !ok || delta.Sign() == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "delta must be a non-zero signed integer in smallest units",
		})
		return
	}

	op := reserve.OpCredit
	amount := delta
	if delta.Sign() < 0 {
		op = reserve.OpDebit
		amount = new(big.Int).Neg(delta)
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator adjustment"
	}

	mutation, err := h.reserves.Mutate(c.Request.Context(), req.Chain, req.Asset, amount, op, reason)
	if err != nil {
		switch {
		case errors.Is(err, reserve.ErrInsufficientReserve):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_reserve",
				"message": err.Error(),
			})
		case errors.Is(err, reserve.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to adjust reserve",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"mutation": mutation})
}

// RebalanceReserves handles POST /api/v1/reserves/rebalance
func (h *Handler) RebalanceReserves(c *gin.Context) {
	var req RebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.SourceChain == req.TargetChain {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "source and target chains must differ",
		})
		return
	}

	amount, _ := new(big.Int).SetString(req.Amount, 10)
	if err := h.reserves.AutoBalance(c.Request.Context(), req.SourceChain, req.TargetChain, req.Asset, amount); err != nil {
		if errors.Is(err, reserve.ErrInsufficientReserve) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_reserve",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to rebalance reserves",
		})
		return
	}

	source, err := h.reserves.Get(c.Request.Context(), req.SourceChain, req.Asset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Rebalance applied but source lookup failed",
		})
		return
	}
	target, err := h.reserves.Get(c.Request.Context(), req.TargetChain, req.Asset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Rebalance applied but target lookup failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"source": source, "target": target})
}

// ListReserves handles GET /api/v1/reserves
func (h *Handler) ListReserves(c *gin.Context) {
	entries, err := h.reserves.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list reserves",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reserves": entries})
}

// ProofOfReserves handles GET /api/v1/reserves/proof
func (h *Handler) ProofOfReserves(c *gin.Context) {
	proof, err := h.reserves.ProofOfReserves(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate proof",
		})
		return
	}

	c.JSON(http.StatusOK, proof)
}

// ReserveAlerts handles GET /api/v1/reserves/alerts
func (h *Handler) ReserveAlerts(c *gin.Context) {
	alerts, err := h.reserves.CheckAlerts(c.Request.Context(), h.alerts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to check reserve levels",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// RelayStats handles GET /api/v1/relay/stats
func (h *Handler) RelayStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.guard.Stats())
}
