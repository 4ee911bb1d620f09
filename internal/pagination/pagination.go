// Package pagination provides limit/offset parsing for list endpoints.
package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Page holds normalized pagination parameters.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// FromQuery reads limit/offset query parameters with clamping.
func FromQuery(c *gin.Context) Page {
	p := Page{Limit: DefaultLimit}

	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			p.Limit = parsed
		}
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			p.Offset = parsed
		}
	}
	return p
}

// Normalize clamps a caller-supplied page to safe bounds.
func Normalize(p Page) Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
