package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Cyabanz/new-domain92/internal/ledger"
	"github.com/Cyabanz/new-domain92/internal/models"
	"github.com/Cyabanz/new-domain92/internal/pipeline"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LinkHandler serves link provisioning and management endpoints.
type LinkHandler struct {
	ledger   *ledger.Ledger
	pipeline *pipeline.Pipeline
}

// NewLinkHandler constructs a LinkHandler.
func NewLinkHandler(quota *ledger.Ledger, pipe *pipeline.Pipeline) *LinkHandler {
	return &LinkHandler{ledger: quota, pipeline: pipe}
}

type createLinksRequest struct {
	Count   int    `json:"count" binding:"required"`
	Webhook string `json:"webhook"`
	Auto    bool   `json:"auto"`
}

// Create runs the provisioning pipeline for the authenticated
// principal. The request blocks until the worker finishes or times
// out.
func (h *LinkHandler) Create(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req createLinksRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count is required"})
		return
	}

	outcome, errProvision := h.pipeline.Provision(c.Request.Context(), principal.ID, principal.DisplayName, req.Count, pipeline.Options{
		Webhook:   req.Webhook,
		AutoSolve: req.Auto,
	})
	if errProvision != nil {
		writeProvisionFailure(c, errProvision)
		return
	}

	body := gin.H{
		"run_id":  outcome.RunID,
		"created": outcome.Created,
		"output":  outcome.RawOutput,
	}
	if outcome.Warning != "" {
		body["warning"] = outcome.Warning
	}
	c.JSON(http.StatusOK, body)
}

// List returns the principal's active links, newest first. A search
// query narrows the result by name, case-insensitively.
func (h *LinkHandler) List(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var rows []models.Link
	var errList error
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		rows, errList = h.ledger.SearchActive(c.Request.Context(), principal.ID, search)
	} else {
		rows, errList = h.ledger.ListActive(c.Request.Context(), principal.ID)
	}
	if errList != nil {
		log.Errorf("list links failed: %v", errList)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list links failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"name":       row.Name,
			"target":     row.TargetName,
			"address":    row.TargetAddress,
			"created_at": row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"links": out, "total": len(out)})
}

// Remove deactivates one of the principal's links by name.
func (h *LinkHandler) Remove(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	name := c.Param("name")
	removed, errRemove := h.ledger.Deactivate(c.Request.Context(), principal.ID, name)
	if errRemove != nil {
		log.Errorf("remove link failed: %v", errRemove)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove link failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "link not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": name})
}

// Stats reports quota usage for the authenticated principal.
func (h *LinkHandler) Stats(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stats, errStats := h.ledger.Stats(c.Request.Context(), principal.ID)
	if errStats != nil {
		if errors.Is(errStats, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
			return
		}
		log.Errorf("stats failed: %v", errStats)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"display_name":    stats.DisplayName,
		"total_created":   stats.TotalCreated,
		"active_count":    stats.ActiveCount,
		"remaining_slots": stats.RemainingSlots,
		"unlimited":       stats.Unlimited,
		"first_seen":      stats.FirstSeen,
		"last_active":     stats.LastActive,
	})
}

// writeProvisionFailure maps a pipeline failure onto a response. The
// quota kinds carry the usage numbers the caller needs.
func writeProvisionFailure(c *gin.Context, errProvision error) {
	failure, ok := pipeline.AsFailure(errProvision)
	if !ok {
		log.Errorf("provision failed: %v", errProvision)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provision failed"})
		return
	}

	body := gin.H{
		"error": failure.Error(),
		"kind":  string(failure.KindOf()),
	}

	switch failure.KindOf() {
	case pipeline.KindInvalidInput:
		c.JSON(http.StatusBadRequest, body)
	case pipeline.KindNoSession:
		c.JSON(http.StatusConflict, body)
	case pipeline.KindQuotaExceeded:
		body["current"] = failure.Current
		body["remaining"] = failure.Remaining
		body["requested"] = failure.Requested
		c.JSON(http.StatusTooManyRequests, body)
	case pipeline.KindQuotaRaceLost:
		c.JSON(http.StatusTooManyRequests, body)
	case pipeline.KindWorkerTimeout:
		c.JSON(http.StatusGatewayTimeout, body)
	case pipeline.KindWorkerFailure:
		c.JSON(http.StatusBadGateway, body)
	case pipeline.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	default:
		log.Errorf("provision failed: %v", errProvision)
		c.JSON(http.StatusInternalServerError, body)
	}
}
