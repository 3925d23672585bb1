package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Cyabanz/new-domain92/internal/config"
	"github.com/Cyabanz/new-domain92/internal/db"
	"github.com/Cyabanz/new-domain92/internal/ledger"
	"github.com/Cyabanz/new-domain92/internal/models"
	"github.com/Cyabanz/new-domain92/internal/pipeline"
	"github.com/Cyabanz/new-domain92/internal/session"
	"github.com/Cyabanz/new-domain92/internal/settings"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const principalContextKey = "principal"

// Server wires the HTTP surface over the session store, quota ledger
// and provisioning pipeline.
type Server struct {
	cfg      *config.Config
	db       *gorm.DB
	engine   *gin.Engine
	listener *http.Server
}

// New builds the server and registers all routes.
func New(cfg *config.Config, conn *gorm.DB, sessions *session.Store, quota *ledger.Ledger, pipe *pipeline.Pipeline) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, db: conn, engine: engine}

	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.Use(principalAuthMiddleware(conn))

	targetHandler := NewTargetHandler(cfg)
	api.GET("/targets", targetHandler.List)

	sessionHandler := NewSessionHandler(cfg, sessions)
	api.POST("/session", sessionHandler.Select)
	api.GET("/session", sessionHandler.Status)
	api.DELETE("/session", sessionHandler.Clear)

	linkHandler := NewLinkHandler(quota, pipe)
	api.POST("/links", linkHandler.Create)
	api.GET("/links", linkHandler.List)
	api.DELETE("/links/:name", linkHandler.Remove)
	api.GET("/stats", linkHandler.Stats)

	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.listener = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("http server listening on %s", s.cfg.Listen)
		if errServe := s.listener.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := s.listener.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("http server shutdown: %v", errShutdown)
		}
		return <-errCh
	case errServe := <-errCh:
		return errServe
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	sqlDB, errDB := s.db.DB()
	if errDB != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"database":              db.DialectName(s.db),
		"settings_refreshed_at": settings.UpdatedAt(),
	})
}

// principalAuthMiddleware resolves a bearer token to a principal row,
// refreshes its last_active stamp, and stores the principal in the
// request context.
func principalAuthMiddleware(conn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		var principal models.Principal
		errFind := conn.WithContext(c.Request.Context()).
			Where("api_token = ?", token).
			First(&principal).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			log.Errorf("token lookup failed: %v", errFind)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}

		principal.LastActive = time.Now()
		errTouch := conn.WithContext(c.Request.Context()).
			Model(&models.Principal{}).
			Where("id = ?", principal.ID).
			Update("last_active", principal.LastActive).Error
		if errTouch != nil {
			log.Warnf("refresh last_active for principal %d: %v", principal.ID, errTouch)
		}

		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// getPrincipal returns the authenticated principal, or false when the
// middleware did not run.
func getPrincipal(c *gin.Context) (models.Principal, bool) {
	value, exists := c.Get(principalContextKey)
	if !exists {
		return models.Principal{}, false
	}
	principal, ok := value.(models.Principal)
	return principal, ok
}
