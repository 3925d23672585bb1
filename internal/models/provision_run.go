package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProvisionRun records the outcome of a single worker invocation.
type ProvisionRun struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PrincipalID uint64 `gorm:"not null;index"` // Requesting principal ID.

	TargetName    string `gorm:"type:text;not null"` // Target name at request time.
	TargetAddress string `gorm:"type:text;not null"` // Target address at request time.

	Requested int `gorm:"not null"`           // Number of links requested.
	Created   int `gorm:"not null;default:0"` // Number of links actually committed.

	Names datatypes.JSON `gorm:"type:jsonb"` // Extracted domain names as a JSON array.

	Failed      bool   `gorm:"not null;default:false"` // Failure flag.
	FailureKind string `gorm:"type:text"`              // Failure kind for failed runs.

	DurationMS int64 `gorm:"not null;default:0"` // Worker wall time in milliseconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Record timestamp.
}

// TableName overrides the default table name.
func (ProvisionRun) TableName() string {
	return "provision_runs"
}
