package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkin-platform/internal/auth"
	"checkin-platform/internal/calls"
	"checkin-platform/internal/dispatch"
	"checkin-platform/internal/queue"
	"checkin-platform/internal/reporting"
	"checkin-platform/internal/settings"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Dispatcher *dispatch.Dispatcher
	Queue      queue.Store
	Calls      calls.Store
	Settings   settings.Provider
	Reports    *reporting.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Schedule ---

// GetSettings returns the caller's check-in configuration.
func (h Handlers) GetSettings(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	u, err := h.Settings.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "settings not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "settings lookup failed"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// ListScheduledCalls returns the caller's pending and processing entries.
func (h Handlers) ListScheduledCalls(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	entries, err := h.Queue.ListNonterminal(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled_calls": entries})
}

// Resync recomputes the caller's queue from their current settings.
func (h Handlers) Resync(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	if err := h.Dispatcher.Resync(c.Request.Context(), userID); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resynced"})
}

// --- Calls ---

// TriggerCall queues and dispatches an immediate check-in call to the caller.
func (h Handlers) TriggerCall(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	id, err := h.Dispatcher.TriggerNow(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "settings not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "trigger failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled_call_id": id})
}

// ListCallLogs returns the caller's call history, newest first.
func (h Handlers) ListCallLogs(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = n
	}
	recs, err := h.Calls.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_logs": recs})
}

// --- Reports ---

// CallsReport aggregates the caller's call history over a range. Defaults to
// the trailing 30 days when from/to are omitted.
func (h Handlers) CallsReport(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	now := time.Now().UTC()
	r := reporting.TimeRange{From: now.AddDate(0, 0, -30), To: now}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		r.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		r.To = t
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{UserID: userID, Range: r})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// callerID resolves the authenticated user or aborts with 401.
func (h Handlers) callerID(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user identity required"})
		return "", false
	}
	return userID, true
}
