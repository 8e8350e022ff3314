package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/validation"
)

// Handler exposes the admin release and refund endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new payout handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up admin settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/release", h.ReleaseFunds)
	r.POST("/orders/:id/refund", h.RefundOrder)
}

// ReleaseFunds handles POST /v1/orders/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	txRef, err := h.engine.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txRef": txRef, "status": string(order.StatusReleased)})
}

// RefundOrder handles POST /v1/orders/:id/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	var req struct {
		Reason  string `json:"reason" binding:"required"`
		ActorID string `json:"actorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason and actorId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 1000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 1000)

	txRef, err := h.engine.Refund(c.Request.Context(), c.Param("id"), req.Reason, req.ActorID)
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txRef": txRef, "status": string(order.StatusRefunded)})
}

func writeSettlementError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, order.ErrStatusConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrNoOpenDispute):
		status = http.StatusConflict
		code = "no_open_dispute"
	case errors.Is(err, ErrInsufficientVault):
		status = http.StatusServiceUnavailable
		code = "insufficient_vault"
	case errors.Is(err, order.ErrWalletMissing):
		status = http.StatusBadRequest
		code = "wallet_missing"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
