package sla

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for SLA rule management.
type Handler struct {
	store    Store
	resolver *Resolver
}

// NewHandler creates a new SLA handler.
func NewHandler(store Store, resolver *Resolver) *Handler {
	return &Handler{store: store, resolver: resolver}
}

// RegisterRoutes sets up the SLA rule routes. Mount under an
// ops-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sla/rules", h.CreateRule)
	r.GET("/sla/rules", h.ListRules)
	r.POST("/sla/rules/:id/deactivate", h.DeactivateRule)
	r.GET("/sla/quote", h.Quote)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ConnectorID     string `json:"connectorId,omitempty"`
	Rail            string `json:"rail,omitempty"`
	Country         string `json:"country,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Priority        string `json:"priority,omitempty"`
	CutoffTime      string `json:"cutoffTime,omitempty"`
	ProcessingDays  int    `json:"processingDays"`
	SettlementDays  int    `json:"settlementDays"`
	ExcludeWeekends bool   `json:"excludeWeekends"`
	ExcludeHolidays bool   `json:"excludeHolidays"`
	BaseFee         string `json:"baseFee,omitempty"`
	PercentageFee   string `json:"percentageFee,omitempty"`
	MinFee          string `json:"minFee,omitempty"`
	MaxFee          string `json:"maxFee,omitempty"`
}

// CreateRule handles POST /v1/ops/sla/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.ProcessingDays < 0 || req.SettlementDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "processingDays and settlementDays must not be negative",
		})
		return
	}
	if req.BaseFee == "" {
		req.BaseFee = "0.00"
	}
	if req.PercentageFee == "" {
		req.PercentageFee = "0"
	}
	if req.MinFee == "" {
		req.MinFee = "0.00"
	}
	if req.MaxFee == "" {
		req.MaxFee = "0"
	}

	rule := &Rule{
		ConnectorID:     req.ConnectorID,
		Rail:            req.Rail,
		Country:         req.Country,
		Currency:        req.Currency,
		Priority:        req.Priority,
		CutoffTime:      req.CutoffTime,
		ProcessingDays:  req.ProcessingDays,
		SettlementDays:  req.SettlementDays,
		ExcludeWeekends: req.ExcludeWeekends,
		ExcludeHolidays: req.ExcludeHolidays,
		BaseFee:         req.BaseFee,
		PercentageFee:   req.PercentageFee,
		MinFee:          req.MinFee,
		MaxFee:          req.MaxFee,
		Active:          true,
		CreatedAt:       time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// ListRules handles GET /v1/ops/sla/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// DeactivateRule handles POST /v1/ops/sla/rules/:id/deactivate
func (h *Handler) DeactivateRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Rule id must be an integer",
		})
		return
	}
	if err := h.store.Deactivate(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": false})
}

// Quote handles GET /v1/ops/sla/quote. It resolves the rule for the
// given scope and previews the settlement date and fee for an amount.
func (h *Handler) Quote(c *gin.Context) {
	q := Query{
		ConnectorID: c.Query("connectorId"),
		Rail:        c.Query("rail"),
		Country:     c.Query("country"),
		Currency:    c.Query("currency"),
		Priority:    c.Query("priority"),
	}

	rule, err := h.resolver.ResolveRule(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	resp := gin.H{
		"rule":       rule,
		"targetDate": h.resolver.TargetSettlementDate(rule, time.Now(), q.Country),
	}
	if amount := c.Query("amount"); amount != "" {
		fee, bankFee, err := h.resolver.Fee(rule, amount)
		if err != nil {
			if errors.Is(err, ErrInvalidAmount) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "validation_error",
					"message": "amount must be a positive decimal",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		resp["fee"] = fee
		resp["bankFee"] = bankFee
	}
	c.JSON(http.StatusOK, resp)
}
