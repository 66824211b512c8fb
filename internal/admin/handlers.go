package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/callshield/internal/overrides"
	"github.com/mbd888/callshield/internal/providers"
	"github.com/mbd888/callshield/internal/session"
	"github.com/mbd888/callshield/internal/validation"
)

// ProviderAdmin is the aggregator surface the admin API drives.
type ProviderAdmin interface {
	Status() []providers.ProviderStatus
	SetEnabled(name string, enabled bool) error
	SetWeight(name string, weight float64) error
}

// OverrideAdmin is the override service surface.
type OverrideAdmin interface {
	Set(ctx context.Context, number string, action overrides.Action, reason, createdBy string, ttl time.Duration) (*overrides.Entry, error)
	RemoveByID(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*overrides.Entry, error)
}

// SessionAdmin is the registry surface for inspection and manual sweeps.
type SessionAdmin interface {
	Get(id string) (*session.Session, error)
	Sweep(ttl time.Duration) int
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	providers ProviderAdmin
	overrides OverrideAdmin
	sessions  SessionAdmin
	sweepTTL  time.Duration
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithProviders sets the aggregator for provider reconfiguration.
func (h *Handler) WithProviders(p ProviderAdmin) *Handler {
	h.providers = p
	return h
}

// WithOverrides sets the override service for rule management.
func (h *Handler) WithOverrides(o OverrideAdmin) *Handler {
	h.overrides = o
	return h
}

// WithSessions sets the registry for inspection, and the age cutoff a
// sweep uses when the request does not carry its own.
func (h *Handler) WithSessions(s SessionAdmin, defaultSweepTTL time.Duration) *Handler {
	h.sessions = s
	h.sweepTTL = defaultSweepTTL
	return h
}

// RegisterRoutes sets up admin routes. The group is expected to already
// carry the admin key middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/providers", h.listProviders)
	r.PATCH("/providers/:name", h.patchProvider)
	r.GET("/overrides", h.listOverrides)
	r.POST("/overrides", h.createOverride)
	r.DELETE("/overrides/:id", h.deleteOverride)
	r.GET("/sessions/:id", h.getSession)
	r.POST("/sweep", h.sweep)
}

// listProviders returns every registration with its breaker state.
func (h *Handler) listProviders(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider admin not configured"})
		return
	}

	status := h.providers.Status()
	c.JSON(http.StatusOK, gin.H{"providers": status, "count": len(status)})
}

// patchProvider toggles or reweights one provider at runtime.
func (h *Handler) patchProvider(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider admin not configured"})
		return
	}

	var patch ProviderPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if patch.Enabled == nil && patch.Weight == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "empty_patch",
			"message": "Provide enabled and/or weight",
		})
		return
	}
	if patch.Weight != nil && *patch.Weight < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_weight",
			"message": "Weight must not be negative",
		})
		return
	}

	name := c.Param("name")
	if patch.Enabled != nil {
		if err := h.providers.SetEnabled(name, *patch.Enabled); err != nil {
			h.providerError(c, name, err)
			return
		}
	}
	if patch.Weight != nil {
		if err := h.providers.SetWeight(name, *patch.Weight); err != nil {
			h.providerError(c, name, err)
			return
		}
	}

	for _, st := range h.providers.Status() {
		if st.Name == name {
			c.JSON(http.StatusOK, gin.H{"provider": st})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": name})
}

func (h *Handler) providerError(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, providers.ErrNotRegistered):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No provider named " + name,
		})
	case errors.Is(err, providers.ErrInvalidWeight):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_weight",
			"message": "Weight must not be negative",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": err.Error(),
		})
	}
}

// listOverrides returns the newest rules across all numbers.
func (h *Handler) listOverrides(c *gin.Context) {
	if h.overrides == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "overrides not configured"})
		return
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries, err := h.overrides.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"overrides": entries, "count": len(entries)})
}

// createOverride sets a block or allow rule for a number.
func (h *Handler) createOverride(c *gin.Context) {
	if h.overrides == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "overrides not configured"})
		return
	}

	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	number := validation.SanitizePhoneNumber(req.PhoneNumber)
	if !validation.IsValidPhoneNumber(number) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_number",
			"message": "phoneNumber must be an E.164 phone number (+14155551234)",
		})
		return
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_ttl",
			"message": "ttlSeconds must not be negative",
		})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	reason := validation.SanitizeString(req.Reason, 500)
	createdBy := validation.SanitizeString(req.CreatedBy, 200)
	entry, err := h.overrides.Set(c.Request.Context(), number, overrides.Action(req.Action), reason, createdBy, ttl)
	if err != nil {
		if errors.Is(err, overrides.ErrInvalidAction) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_action",
				"message": "Action must be block or allow",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"override": entry})
}

// deleteOverride removes a rule by id.
func (h *Handler) deleteOverride(c *gin.Context) {
	if h.overrides == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "overrides not configured"})
		return
	}

	id := c.Param("id")
	if err := h.overrides.RemoveByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, overrides.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No override with id " + id,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// getSession returns the full session snapshot including its logs.
// Unlike the event feed, the admin surface reports the raw number:
// operators need it to file overrides.
func (h *Handler) getSession(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session admin not configured"})
		return
	}

	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such session",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// sweep evicts sessions older than the cutoff and reports the count.
func (h *Handler) sweep(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session admin not configured"})
		return
	}

	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	ttl := h.sweepTTL
	if req.MaxAgeSeconds > 0 {
		ttl = time.Duration(req.MaxAgeSeconds) * time.Second
	}

	evicted := h.sessions.Sweep(ttl)
	c.JSON(http.StatusOK, gin.H{"evicted": evicted, "maxAge": ttl.String()})
}
