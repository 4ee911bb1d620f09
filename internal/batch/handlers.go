package batch

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub001/internal/pagination"
)

// Handler provides HTTP endpoints for batch operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new batch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the batch API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/batches", h.CreateBatch)
	r.GET("/batches", h.ListBatches)
	r.GET("/batches/:id", h.GetBatch)
	r.GET("/batches/:id/items", h.GetItems)
	r.POST("/batches/:id/items", h.AddItem)
	r.POST("/batches/:id/lock", h.LockBatch)
	r.POST("/batches/:id/process", h.ProcessBatch)
}

// CreateBatch handles POST /v1/batches
func (h *Handler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	b, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch": b})
}

// GetBatch handles GET /v1/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b})
}

// ListBatches handles GET /v1/batches
func (h *Handler) ListBatches(c *gin.Context) {
	page := pagination.FromQuery(c)
	batches, err := h.service.List(c.Request.Context(), ListFilter{
		TenantID: c.Query("tenantId"),
		Status:   Status(c.Query("status")),
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

// GetItems handles GET /v1/batches/:id/items
func (h *Handler) GetItems(c *gin.Context) {
	items, err := h.service.Items(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// AddItem handles POST /v1/batches/:id/items
func (h *Handler) AddItem(c *gin.Context) {
	var req ItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	item, err := h.service.AddItem(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrBatchNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotCollecting):
			status = http.StatusConflict
			code = "batch_locked"
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
			code = "validation_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// LockBatch handles POST /v1/batches/:id/lock
func (h *Handler) LockBatch(c *gin.Context) {
	b, err := h.service.Lock(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrBatchNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotCollecting):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrEmptyBatch):
			status = http.StatusUnprocessableEntity
			code = "empty_batch"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b})
}

// ProcessBatch handles POST /v1/batches/:id/process
func (h *Handler) ProcessBatch(c *gin.Context) {
	b, err := h.service.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrBatchNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotLocked):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b})
}
