package models

import (
	"time"
)

// Link records one provisioned domain bound to a target at creation time.
//
// TargetName and TargetAddress are denormalized copies of the target the
// principal had selected; target definitions may change later without
// invalidating historical rows.
type Link struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PrincipalID uint64 `gorm:"not null;index"` // Owning principal ID.

	Name          string `gorm:"type:text;not null;index"` // Provisioned domain name.
	TargetName    string `gorm:"type:text;not null"`       // Target name at creation time.
	TargetAddress string `gorm:"type:text;not null"`       // Target address at creation time.

	Active bool `gorm:"not null;default:true"` // False once released; row kept for audit.

	CreatedAt time.Time `gorm:"not null;index"` // Creation timestamp, shared per batch.
}

// TableName overrides the default table name.
func (Link) TableName() string {
	return "links"
}
