package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loompay/loompay/internal/validation"
)

// maxDeliveryAddressLen caps the postal address field; carriers reject
// anything longer anyway.
const maxDeliveryAddressLen = 500

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order lifecycle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/customers/:id/orders", h.ListCustomerOrders)
	r.GET("/designers/:id/orders", h.ListDesignerOrders)
	r.POST("/orders/:id/ship", h.ShipOrder)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("deliveryAddress", req.DeliveryAddress, maxDeliveryAddressLen),
		validation.MaxLength("specialInstructions", req.SpecialInstructions, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.DeliveryAddress = validation.SanitizeString(req.DeliveryAddress, maxDeliveryAddressLen)
	req.SpecialInstructions = validation.SanitizeString(req.SpecialInstructions, validation.MaxStringLength)

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		switch {
		case errors.Is(err, ErrWalletMissing):
			code = "wallet_missing"
		case errors.Is(err, ErrOrderNotFound):
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListCustomerOrders handles GET /v1/customers/:id/orders
func (h *Handler) ListCustomerOrders(c *gin.Context) {
	orders, err := h.service.ListByCustomer(c.Request.Context(), c.Param("id"), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// ListDesignerOrders handles GET /v1/designers/:id/orders
func (h *Handler) ListDesignerOrders(c *gin.Context) {
	orders, err := h.service.ListByDesigner(c.Request.Context(), c.Param("id"), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// ShipOrder handles POST /v1/orders/:id/ship
func (h *Handler) ShipOrder(c *gin.Context) {
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("trackingNumber", req.TrackingNumber, 100),
		validation.MaxLength("shippingNotes", req.ShippingNotes, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.TrackingNumber = validation.SanitizeString(req.TrackingNumber, 100)
	req.ShippingNotes = validation.SanitizeString(req.ShippingNotes, validation.MaxStringLength)

	o, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req struct {
		CustomerID string `json:"customerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("customerId", req.CustomerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	o, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.CustomerID)
	if err != nil {
		// The delivered transition may have committed with only the chained
		// release failing; surface the order alongside the error when so.
		if o != nil {
			c.JSON(http.StatusAccepted, gin.H{
				"order":   o,
				"warning": "delivery confirmed but fund release failed: " + err.Error(),
			})
			return
		}
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.service.CancelPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func writeLifecycleError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrStatusConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDisputeBlocked):
		status = http.StatusConflict
		code = "dispute_open"
	case errors.Is(err, ErrShipmentProofRequired):
		status = http.StatusBadRequest
		code = "shipment_proof_required"
	case errors.Is(err, ErrWalletMissing):
		status = http.StatusBadRequest
		code = "wallet_missing"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
