package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Cyabanz/new-domain92/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// reservationStripes is the size of the per-principal lock table.
const reservationStripes = 64

// reservationTable serializes reserve and commit per principal and
// tracks in-flight reservations that are not yet visible in the links
// table. The naive read-count-then-insert flow overruns the quota when
// two requests for one principal interleave around the slow worker call;
// counting pending reservations closes that window.
type reservationTable struct {
	stripes [reservationStripes]sync.Mutex

	mu      sync.Mutex
	pending map[uint64]int
}

func newReservationTable() *reservationTable {
	return &reservationTable{pending: make(map[uint64]int)}
}

func (t *reservationTable) stripeFor(principalID uint64) *sync.Mutex {
	return &t.stripes[principalID%reservationStripes]
}

func (t *reservationTable) pendingCount(principalID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[principalID]
}

func (t *reservationTable) add(principalID uint64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[principalID] += n
}

func (t *reservationTable) remove(principalID uint64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.pending[principalID] - n
	if next <= 0 {
		delete(t.pending, principalID)
		return
	}
	t.pending[principalID] = next
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Current   int // Committed active links at check time.
	Remaining int // Free slots before this request; meaningless when Unlimited.
	Unlimited bool
}

// Reservation holds quota slots between a successful CheckAndReserve and
// the matching Commit or Release. Exactly one of the two must be called.
type Reservation struct {
	ledger      *Ledger
	principalID uint64
	count       int
	unlimited   bool

	mu      sync.Mutex
	settled bool
}

// CheckAndReserve atomically checks the quota for the principal and, if
// allowed, reserves requestedCount slots. Concurrent calls for the same
// principal serialize here, so two requests can never jointly overrun
// the limit. A disallowed check returns a nil Reservation.
func (l *Ledger) CheckAndReserve(ctx context.Context, principalID uint64, requestedCount int, isUnlimited bool) (*Reservation, Decision, error) {
	if requestedCount < 1 {
		return nil, Decision{}, fmt.Errorf("ledger: requested count must be >= 1, got %d", requestedCount)
	}

	stripe := l.reservations.stripeFor(principalID)
	stripe.Lock()
	defer stripe.Unlock()

	current, errCount := l.ActiveCount(ctx, principalID)
	if errCount != nil {
		return nil, Decision{}, errCount
	}

	pending := l.reservations.pendingCount(principalID)
	effective := current + pending

	remaining := l.limit - effective
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Current:   current,
		Remaining: remaining,
		Unlimited: isUnlimited,
		Allowed:   isUnlimited || effective+requestedCount <= l.limit,
	}
	if !decision.Allowed {
		return nil, decision, nil
	}

	l.reservations.add(principalID, requestedCount)
	return &Reservation{
		ledger:      l,
		principalID: principalID,
		count:       requestedCount,
		unlimited:   isUnlimited,
	}, decision, nil
}

// Release returns the reserved slots without committing anything. Safe
// to call more than once and after Commit; later calls are no-ops.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.ledger.reservations.remove(r.principalID, r.count)
}

// Commit writes one link row per name, all sharing a creation timestamp,
// and bumps the principal's total. The quota is re-validated inside the
// transaction; a violation fails the whole batch with ErrQuotaRaceLost.
// The reservation is consumed either way.
func (r *Reservation) Commit(ctx context.Context, displayName string, names []string, targetName, targetAddress string) error {
	if r == nil {
		return fmt.Errorf("ledger: commit on nil reservation")
	}
	if len(names) == 0 {
		r.Release()
		return nil
	}

	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return fmt.Errorf("ledger: commit on settled reservation")
	}
	r.mu.Unlock()

	l := r.ledger
	stripe := l.reservations.stripeFor(r.principalID)
	stripe.Lock()
	defer stripe.Unlock()
	defer r.Release()

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !r.unlimited {
			current, errCount := l.activeCount(tx, r.principalID)
			if errCount != nil {
				return errCount
			}
			if current+len(names) > l.limit {
				return fmt.Errorf("%w: principal %d has %d active, adding %d exceeds %d",
					ErrQuotaRaceLost, r.principalID, current, len(names), l.limit)
			}
		}

		createdAt := time.Now()
		principal := models.Principal{
			ID:          r.principalID,
			DisplayName: displayName,
			FirstSeen:   createdAt,
			LastActive:  createdAt,
		}
		if errEnsure := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&principal).Error; errEnsure != nil {
			return fmt.Errorf("ledger: ensure principal: %w", errEnsure)
		}

		rows := make([]models.Link, 0, len(names))
		for _, name := range names {
			rows = append(rows, models.Link{
				PrincipalID:   r.principalID,
				Name:          name,
				TargetName:    targetName,
				TargetAddress: targetAddress,
				Active:        true,
				CreatedAt:     createdAt,
			})
		}
		if errCreate := tx.Create(&rows).Error; errCreate != nil {
			return fmt.Errorf("ledger: insert links: %w", errCreate)
		}

		updates := map[string]any{
			"total_created": gorm.Expr("total_created + ?", len(names)),
			"last_active":   createdAt,
		}
		if displayName != "" {
			updates["display_name"] = displayName
		}
		if errUpdate := tx.Model(&models.Principal{}).
			Where("id = ?", r.principalID).
			Updates(updates).Error; errUpdate != nil {
			return fmt.Errorf("ledger: update principal totals: %w", errUpdate)
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}
	return nil
}
