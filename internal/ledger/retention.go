package ledger

import (
	"context"
	"time"

	"github.com/Cyabanz/new-domain92/internal/settings"
	log "github.com/sirupsen/logrus"
)

// RetentionCleaner periodically deletes inactive links older than the
// configured retention window. No correctness dependency elsewhere.
type RetentionCleaner struct {
	ledger *Ledger
}

// NewRetentionCleaner constructs a cleaner over the ledger.
func NewRetentionCleaner(ledger *Ledger) *RetentionCleaner {
	if ledger == nil {
		return nil
	}
	return &RetentionCleaner{ledger: ledger}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("link retention cleaner started (interval=%s)", settings.RetentionInterval())
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.cleanupOnce(ctx)

		timer := time.NewTimer(settings.RetentionInterval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (c *RetentionCleaner) cleanupOnce(ctx context.Context) {
	age := time.Duration(settings.RetentionDays()) * 24 * time.Hour
	removed, errPurge := c.ledger.PurgeInactiveOlderThan(ctx, age)
	if errPurge != nil {
		log.Errorf("link retention cleanup failed: %v", errPurge)
		return
	}
	if removed > 0 {
		log.Infof("link retention cleanup removed %d inactive links older than %dd", removed, settings.RetentionDays())
	}
}
