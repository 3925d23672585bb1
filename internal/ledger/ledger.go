// Package ledger is the persistent record of principals and their links,
// and the single enforcement point for the active-link quota.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cyabanz/new-domain92/internal/db"
	"github.com/Cyabanz/new-domain92/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound reports a principal that has never been upserted, or a
// link the principal does not own.
var ErrNotFound = errors.New("ledger: not found")

// ErrQuotaRaceLost reports a commit rejected by the re-validation safety
// net; the whole batch is discarded, never partially written.
var ErrQuotaRaceLost = errors.New("ledger: quota re-validation failed")

// Ledger owns the principals and links tables.
type Ledger struct {
	db    *gorm.DB
	limit int

	reservations *reservationTable
}

// New builds a Ledger enforcing at most limit active links per
// non-unlimited principal.
func New(conn *gorm.DB, limit int) (*Ledger, error) {
	if conn == nil {
		return nil, fmt.Errorf("ledger: nil db")
	}
	if limit < 1 {
		return nil, fmt.Errorf("ledger: limit must be >= 1, got %d", limit)
	}
	return &Ledger{
		db:           conn,
		limit:        limit,
		reservations: newReservationTable(),
	}, nil
}

// Limit returns the configured per-principal quota.
func (l *Ledger) Limit() int { return l.limit }

// Upsert inserts the principal or refreshes its display name and
// last-active timestamp.
func (l *Ledger) Upsert(ctx context.Context, principalID uint64, displayName string) error {
	now := time.Now()
	row := models.Principal{
		ID:          principalID,
		DisplayName: displayName,
		FirstSeen:   now,
		LastActive:  now,
	}
	errUpsert := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "last_active"}),
	}).Create(&row).Error
	if errUpsert != nil {
		return fmt.Errorf("ledger: upsert principal %d: %w", principalID, errUpsert)
	}
	return nil
}

// SetUnlimited flips the principal's unlimited flag, inserting the
// principal if it is unknown.
func (l *Ledger) SetUnlimited(ctx context.Context, principalID uint64, unlimited bool) error {
	result := l.db.WithContext(ctx).Model(&models.Principal{}).
		Where("id = ?", principalID).
		Update("unlimited", unlimited)
	if result.Error != nil {
		return fmt.Errorf("ledger: set unlimited %d: %w", principalID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	now := time.Now()
	row := models.Principal{
		ID:         principalID,
		Unlimited:  unlimited,
		FirstSeen:  now,
		LastActive: now,
	}
	errCreate := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"unlimited"}),
	}).Create(&row).Error
	if errCreate != nil {
		return fmt.Errorf("ledger: set unlimited %d: %w", principalID, errCreate)
	}
	return nil
}

// IsUnlimited reports the principal's unlimited flag; unknown principals
// are limited.
func (l *Ledger) IsUnlimited(ctx context.Context, principalID uint64) (bool, error) {
	var row models.Principal
	errFind := l.db.WithContext(ctx).Select("unlimited").First(&row, "id = ?", principalID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if errFind != nil {
		return false, fmt.Errorf("ledger: lookup principal %d: %w", principalID, errFind)
	}
	return row.Unlimited, nil
}

// ActiveCount returns the number of active links owned by the principal.
func (l *Ledger) ActiveCount(ctx context.Context, principalID uint64) (int, error) {
	return l.activeCount(l.db.WithContext(ctx), principalID)
}

func (l *Ledger) activeCount(tx *gorm.DB, principalID uint64) (int, error) {
	var count int64
	errCount := tx.Model(&models.Link{}).
		Where("principal_id = ? AND active = ?", principalID, true).
		Count(&count).Error
	if errCount != nil {
		return 0, fmt.Errorf("ledger: active count %d: %w", principalID, errCount)
	}
	return int(count), nil
}

// Deactivate soft-deletes the named active link if the principal owns
// it. It returns false when no such active link exists for the owner.
func (l *Ledger) Deactivate(ctx context.Context, principalID uint64, name string) (bool, error) {
	result := l.db.WithContext(ctx).Model(&models.Link{}).
		Where("principal_id = ? AND name = ? AND active = ?", principalID, name, true).
		Update("active", false)
	if result.Error != nil {
		return false, fmt.Errorf("ledger: deactivate %q for %d: %w", name, principalID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListActive returns the principal's active links, newest first.
func (l *Ledger) ListActive(ctx context.Context, principalID uint64) ([]models.Link, error) {
	var rows []models.Link
	errFind := l.db.WithContext(ctx).
		Where("principal_id = ? AND active = ?", principalID, true).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: list active %d: %w", principalID, errFind)
	}
	return rows, nil
}

// SearchActive returns the principal's active links whose name contains
// the search text, matched case-insensitively, newest first.
func (l *Ledger) SearchActive(ctx context.Context, principalID uint64, search string) ([]models.Link, error) {
	pattern := db.NormalizeLikePattern(l.db, "%"+search+"%")
	var rows []models.Link
	errFind := l.db.WithContext(ctx).
		Where("principal_id = ? AND active = ?", principalID, true).
		Where(db.CaseInsensitiveLikeExpr(l.db, "name"), pattern).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: search active %d: %w", principalID, errFind)
	}
	return rows, nil
}

// Stats summarizes a principal's activity.
type Stats struct {
	DisplayName    string
	TotalCreated   int64
	ActiveCount    int
	RemainingSlots int
	Unlimited      bool
	FirstSeen      time.Time
	LastActive     time.Time
}

// Stats returns the principal's summary, or ErrNotFound for a principal
// that has never been upserted.
func (l *Ledger) Stats(ctx context.Context, principalID uint64) (Stats, error) {
	var row models.Principal
	errFind := l.db.WithContext(ctx).First(&row, "id = ?", principalID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Stats{}, fmt.Errorf("%w: principal %d", ErrNotFound, principalID)
	}
	if errFind != nil {
		return Stats{}, fmt.Errorf("ledger: stats %d: %w", principalID, errFind)
	}

	active, errCount := l.ActiveCount(ctx, principalID)
	if errCount != nil {
		return Stats{}, errCount
	}

	remaining := l.limit - active
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		DisplayName:    row.DisplayName,
		TotalCreated:   row.TotalCreated,
		ActiveCount:    active,
		RemainingSlots: remaining,
		Unlimited:      row.Unlimited,
		FirstSeen:      row.FirstSeen,
		LastActive:     row.LastActive,
	}, nil
}

// PurgeInactiveOlderThan deletes inactive links created before the
// cutoff and returns the number of rows removed. Maintenance only.
func (l *Ledger) PurgeInactiveOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result := l.db.WithContext(ctx).
		Where("active = ? AND created_at < ?", false, cutoff).
		Delete(&models.Link{})
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: purge inactive: %w", result.Error)
	}
	return result.RowsAffected, nil
}
