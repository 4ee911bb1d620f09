package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub001/internal/validation"
)

// Handler provides HTTP endpoints for ledger queries and funding.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up read-only ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/balance", h.GetBalance)
	r.GET("/payouts/:id/ledger", h.GetPayoutEntries)
}

// RegisterAdminRoutes sets up funding routes. Mount under an
// admin-protected group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/fund", h.Fund)
}

// GetBalance handles GET /v1/ledger/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account := c.Query("account")
	currency := c.Query("currency")
	if account == "" || currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account and currency query parameters are required",
		})
		return
	}

	available, err := h.ledger.AvailableBalance(c.Request.Context(), account, currency)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"currency":  currency,
		"available": available,
	})
}

// GetPayoutEntries handles GET /v1/payouts/:id/ledger
func (h *Handler) GetPayoutEntries(c *gin.Context) {
	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// FundRequest is the request body for crediting an account.
type FundRequest struct {
	Account   string `json:"account" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference,omitempty"`
}

// Fund handles POST /v1/admin/ledger/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account, currency, and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	if err := h.ledger.Fund(c.Request.Context(), req.Account, req.Currency, req.Amount, req.Reference); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	available, err := h.ledger.AvailableBalance(c.Request.Context(), req.Account, req.Currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":   req.Account,
		"currency":  req.Currency,
		"available": available,
	})
}
