package db

import (
	"fmt"

	"github.com/Cyabanz/new-domain92/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema. Safe to run on every startup.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: migrate: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Principal{},
		&models.Link{},
		&models.ProvisionRun{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
