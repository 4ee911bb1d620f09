package payout

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub001/internal/pagination"
)

// Handler provides HTTP endpoints for payout operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the payout API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payouts", h.CreatePayout)
	r.GET("/payouts", h.ListPayouts)
	r.GET("/payouts/stats", h.GetStats)
	r.GET("/payouts/:id", h.GetPayout)
	r.GET("/payouts/:id/audit", h.GetAuditTrail)
	r.GET("/payouts/:id/retries", h.GetRetryHistory)
	r.POST("/webhooks/settlements", h.SettlementWebhook)
}

// RegisterOpsRoutes sets up the operator-only routes. The caller wraps
// the group in role middleware.
func (h *Handler) RegisterOpsRoutes(r *gin.RouterGroup) {
	r.POST("/payouts/:id/cancel", h.CancelPayout)
	r.POST("/payouts/:id/retry", h.RetryPayout)
	r.GET("/alerts", h.ListAlerts)
	r.POST("/alerts/:id/resolve", h.ResolveAlert)
}

// CreatePayout handles POST /v1/payouts
func (h *Handler) CreatePayout(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	// Header takes precedence over the body field.
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	p, created, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
			code = "validation_error"
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusUnprocessableEntity
			code = "insufficient_balance"
		case errors.Is(err, ErrDuplicateKey):
			status = http.StatusConflict
			code = "idempotency_conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"payout": p, "replayed": !created})
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListPayouts handles GET /v1/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	page := pagination.FromQuery(c)
	filter := ListFilter{
		TenantID:      c.Query("tenantId"),
		Status:        Status(c.Query("status")),
		BeneficiaryID: c.Query("beneficiaryId"),
		Limit:         page.Limit,
		Offset:        page.Offset,
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = t
		}
	}

	payouts, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payouts": payouts,
		"count":   len(payouts),
	})
}

// GetStats handles GET /v1/payouts/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Query("tenantId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetAuditTrail handles GET /v1/payouts/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	events, err := h.service.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetRetryHistory handles GET /v1/payouts/:id/retries
func (h *Handler) GetRetryHistory(c *gin.Context) {
	entries, err := h.service.RetryHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retries": entries, "count": len(entries)})
}

// CancelPayout handles POST /v1/ops/payouts/:id/cancel
func (h *Handler) CancelPayout(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	p, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotCancellable):
			status = http.StatusConflict
			code = "not_cancellable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// RetryPayout handles POST /v1/ops/payouts/:id/retry
func (h *Handler) RetryPayout(c *gin.Context) {
	p, err := h.service.Retry(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotRetryable):
			status = http.StatusConflict
			code = "not_retryable"
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusUnprocessableEntity
			code = "insufficient_balance"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// SettlementWebhook handles POST /v1/webhooks/settlements
func (h *Handler) SettlementWebhook(c *gin.Context) {
	var req struct {
		BankReference string `json:"bankReference" binding:"required"`
		Outcome       string `json:"outcome" binding:"required"` // settled | failed
		ErrorCode     string `json:"errorCode"`
		ErrorMessage  string `json:"errorMessage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bankReference and outcome are required",
		})
		return
	}

	p, err := h.service.ReceiveSettlementConfirmation(c.Request.Context(),
		req.BankReference, req.Outcome, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "unknown_reference"
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListAlerts handles GET /v1/ops/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	page := pagination.FromQuery(c)
	alerts, err := h.service.ListAlerts(c.Request.Context(), AlertFilter{
		TenantID:   c.Query("tenantId"),
		Type:       c.Query("type"),
		Severity:   c.Query("severity"),
		Unresolved: c.Query("unresolved") == "true",
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// ResolveAlert handles POST /v1/ops/alerts/:id/resolve
func (h *Handler) ResolveAlert(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)

	a, err := h.service.ResolveAlert(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Note)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAlertNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAlertResolved):
			status = http.StatusConflict
			code = "already_resolved"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}
