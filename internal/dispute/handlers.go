package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/payout"
	"github.com/loompay/loompay/internal/validation"
)

// maxReasonLen caps the short complaint code/summary; the free-form story
// belongs in description.
const maxReasonLen = 200

// Handler exposes dispute intake and admin resolution over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/open", h.ListOpenDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		OrderID     string `json:"orderId" binding:"required"`
		CustomerID  string `json:"customerId" binding:"required"`
		Reason      string `json:"reason" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId, customerId and reason are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, maxReasonLen),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, maxReasonLen)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	d, err := h.service.Open(c.Request.Context(), req.OrderID, req.CustomerID, req.Reason, req.Description)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, order.ErrNotParticipant):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, order.ErrStatusConflict):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrDisputeExists):
			status = http.StatusConflict
			code = "dispute_exists"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOpenDisputes handles GET /v1/disputes/open
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Decision   string `json:"decision" binding:"required"`
		Notes      string `json:"notes"`
		ResolverID string `json:"resolverId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision and resolverId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxStringLength)

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Decision(req.Decision), req.Notes, req.ResolverID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidDecision):
			status = http.StatusBadRequest
			code = "invalid_decision"
		case errors.Is(err, ErrAlreadyResolved):
			status = http.StatusConflict
			code = "already_resolved"
		case errors.Is(err, payout.ErrInsufficientVault):
			status = http.StatusServiceUnavailable
			code = "insufficient_vault"
		case errors.Is(err, order.ErrStatusConflict):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
