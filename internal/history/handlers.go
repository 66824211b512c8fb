package history

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/callshield/internal/pagination"
)

// Handler provides HTTP endpoints for call history.
type Handler struct {
	store Store
}

// NewHandler creates a new history handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/history", h.List)
	r.GET("/history/:id", h.Get)
}

// List handles GET /v1/history
func (h *Handler) List(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Malformed cursor"})
		return
	}

	records, err := h.store.List(c.Request.Context(), Query{
		Number:    c.Query("number"),
		RiskLevel: c.Query("riskLevel"),
		Limit:     limit,
		Cursor:    cursor,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	page, next, more := pagination.Page(records, limit, func(r *Record) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	})
	if page == nil {
		page = []*Record{}
	}

	resp := gin.H{"records": page, "count": len(page), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /v1/history/:id. Accepts either a record ID or a
// session ID, so clients can look up history straight from a session.
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")

	var (
		rec *Record
		err error
	)
	if strings.HasPrefix(id, "sess_") {
		rec, err = h.store.GetBySession(c.Request.Context(), id)
	} else {
		rec, err = h.store.Get(c.Request.Context(), id)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "History record not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": rec})
}
