package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Cyabanz/new-domain92/internal/models"
	"gorm.io/gorm"
)

// Refresh reloads all settings rows and replaces the in-memory snapshot.
//
// Required at startup; until the first Refresh, Value() answers nothing
// and callers fall back to compiled-in defaults.
func Refresh(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = json.RawMessage(row.Value)
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	Store(maxUpdatedAt, values)
	return nil
}

// RetentionDays returns the inactive-link retention window.
func RetentionDays() int {
	days := IntValue(RetentionDaysKey, DefaultRetentionDays)
	if days < 1 {
		return DefaultRetentionDays
	}
	return days
}

// RetentionInterval returns the retention sweep interval.
func RetentionInterval() time.Duration {
	seconds := IntValue(RetentionIntervalSecondsKey, DefaultRetentionIntervalSeconds)
	if seconds < 60 {
		seconds = DefaultRetentionIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

// SessionSweepInterval returns the session expiry sweep interval.
func SessionSweepInterval() time.Duration {
	seconds := IntValue(SessionSweepSecondsKey, DefaultSessionSweepSeconds)
	if seconds < 1 {
		seconds = DefaultSessionSweepSeconds
	}
	return time.Duration(seconds) * time.Second
}
