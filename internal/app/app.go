package app

import (
	"context"
	"fmt"

	"github.com/Cyabanz/new-domain92/internal/config"
	"github.com/Cyabanz/new-domain92/internal/db"
	"github.com/Cyabanz/new-domain92/internal/extract"
	"github.com/Cyabanz/new-domain92/internal/httpapi"
	"github.com/Cyabanz/new-domain92/internal/ledger"
	"github.com/Cyabanz/new-domain92/internal/logging"
	"github.com/Cyabanz/new-domain92/internal/models"
	"github.com/Cyabanz/new-domain92/internal/notify"
	"github.com/Cyabanz/new-domain92/internal/pipeline"
	"github.com/Cyabanz/new-domain92/internal/security"
	"github.com/Cyabanz/new-domain92/internal/session"
	"github.com/Cyabanz/new-domain92/internal/settings"
	"github.com/Cyabanz/new-domain92/internal/worker"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm/clause"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the full service: database, session store, quota
// ledger, provisioning pipeline, background loops and the HTTP
// surface. It blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.LogFile)

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	quota, errLedger := ledger.New(conn, cfg.QuotaLimit)
	if errLedger != nil {
		return errLedger
	}
	for _, principalID := range cfg.UnlimitedPrincipals {
		if errFlag := quota.SetUnlimited(ctx, principalID, true); errFlag != nil {
			return fmt.Errorf("seed unlimited principal %d: %w", principalID, errFlag)
		}
	}

	if errRefresh := settings.Refresh(ctx, conn); errRefresh != nil {
		log.Warnf("settings refresh failed, using defaults: %v", errRefresh)
	}

	sessions := session.NewStore(cfg.SessionTTL.Std())
	sessions.StartSweeper(ctx, settings.SessionSweepInterval())

	cleaner := ledger.NewRetentionCleaner(quota)
	cleaner.Start(ctx)

	runner := worker.NewRunner(cfg.Worker)
	pipe, errPipe := pipeline.New(conn, sessions, quota, runner, extract.New(), notify.New(cfg.WebhookURL))
	if errPipe != nil {
		return errPipe
	}

	server := httpapi.New(&cfg, conn, sessions, quota, pipe)
	return server.Run(ctx)
}

// CreatePrincipal registers a principal with a fresh API token and
// prints nothing; the token is returned to the caller exactly once.
func CreatePrincipal(ctx context.Context, configPath string, principalID uint64, displayName string) (string, error) {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return "", errLoad
	}
	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return "", errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return "", errMigrate
	}

	token, errToken := security.GenerateToken()
	if errToken != nil {
		return "", errToken
	}

	principal := models.Principal{
		ID:          principalID,
		DisplayName: displayName,
		APIToken:    token,
		Unlimited:   cfg.IsUnlimited(principalID),
	}
	errUpsert := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "api_token"}),
		}).
		Create(&principal).Error
	if errUpsert != nil {
		return "", errUpsert
	}
	log.Infof("registered principal %d (%s) token %s", principalID, displayName, security.MaskToken(token))
	return token, nil
}
