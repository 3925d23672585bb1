package httpapi

import (
	"net/http"

	"github.com/Cyabanz/new-domain92/internal/config"
	"github.com/Cyabanz/new-domain92/internal/session"
	"github.com/gin-gonic/gin"
)

// TargetHandler serves the target catalog.
type TargetHandler struct {
	cfg *config.Config
}

// NewTargetHandler constructs a TargetHandler.
func NewTargetHandler(cfg *config.Config) *TargetHandler {
	return &TargetHandler{cfg: cfg}
}

// List returns every configured target.
func (h *TargetHandler) List(c *gin.Context) {
	out := make([]gin.H, 0, len(h.cfg.Targets))
	for _, target := range h.cfg.Targets {
		out = append(out, gin.H{
			"name":    target.Name,
			"address": target.Address,
		})
	}
	c.JSON(http.StatusOK, gin.H{"targets": out})
}

// SessionHandler manages per-principal target selections.
type SessionHandler struct {
	cfg      *config.Config
	sessions *session.Store
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(cfg *config.Config, sessions *session.Store) *SessionHandler {
	return &SessionHandler{cfg: cfg, sessions: sessions}
}

type selectTargetRequest struct {
	Target string `json:"target" binding:"required"`
}

// Select binds the principal to a target for the session TTL.
func (h *SessionHandler) Select(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req selectTargetRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}

	target, found := h.cfg.FindTarget(req.Target)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target"})
		return
	}

	sess := h.sessions.Select(principal.ID, target.Name, target.Address)
	c.JSON(http.StatusOK, h.serializeSession(sess))
}

// Status returns the current selection, 404 when none is active.
func (h *SessionHandler) Status(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sess, active := h.sessions.Get(principal.ID)
	if !active {
		c.JSON(http.StatusNotFound, gin.H{"error": "no target selected"})
		return
	}
	c.JSON(http.StatusOK, h.serializeSession(sess))
}

// Clear drops the selection. Clearing an absent session is not an
// error.
func (h *SessionHandler) Clear(c *gin.Context) {
	principal, ok := getPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	cleared := h.sessions.Clear(principal.ID)
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *SessionHandler) serializeSession(sess session.Session) gin.H {
	return gin.H{
		"target":      sess.TargetName,
		"address":     sess.TargetAddress,
		"selected_at": sess.SelectedAt,
		"expires_at":  sess.SelectedAt.Add(h.cfg.SessionTTL.Std()),
	}
}
