package models

import (
	"time"
)

// Principal represents a registered requester tracked by stable ID.
type Principal struct {
	ID uint64 `gorm:"primaryKey"` // Stable external identity, assigned by the caller.

	DisplayName  string `gorm:"type:text;not null"`     // Last-seen display name.
	APIToken     string `gorm:"type:text;uniqueIndex"`  // Bearer token for the HTTP surface.
	Unlimited    bool   `gorm:"not null;default:false"` // Exempt from the active-link quota.
	TotalCreated int64  `gorm:"not null;default:0"`     // Monotonic count of links ever created.

	FirstSeen  time.Time `gorm:"not null;autoCreateTime"` // First interaction timestamp.
	LastActive time.Time `gorm:"not null"`                // Last interaction timestamp.
}

// TableName overrides the default table name.
func (Principal) TableName() string {
	return "principals"
}
