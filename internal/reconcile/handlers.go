package reconcile

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loompay/loompay/internal/order"
)

// Handler exposes deposit confirmation over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new reconciliation handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the deposit confirmation route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/confirm-payment", h.ConfirmPayment)
}

// ConfirmPayment handles POST /v1/orders/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req struct {
		TxRef string `json:"txRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txRef is required",
		})
		return
	}

	o, err := h.engine.ConfirmDeposit(c.Request.Context(), c.Param("id"), req.TxRef)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, order.ErrStatusConflict):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrAmountMismatch):
			status = http.StatusUnprocessableEntity
			code = "amount_mismatch"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}
