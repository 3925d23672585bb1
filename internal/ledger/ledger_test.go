package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Cyabanz/new-domain92/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	conn, errOpen := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.Principal{}, &models.Link{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	l, errNew := New(conn, 3)
	if errNew != nil {
		t.Fatalf("new ledger: %v", errNew)
	}
	return l
}

func mustCommit(t *testing.T, l *Ledger, principalID uint64, displayName string, names []string) {
	t.Helper()
	ctx := context.Background()
	unlimited, errFlag := l.IsUnlimited(ctx, principalID)
	if errFlag != nil {
		t.Fatalf("is unlimited: %v", errFlag)
	}
	res, decision, errReserve := l.CheckAndReserve(ctx, principalID, len(names), unlimited)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if !decision.Allowed {
		t.Fatalf("reserve denied: %+v", decision)
	}
	if errCommit := res.Commit(ctx, displayName, names, "PeteZah", "62.72.3.251"); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	if errUpsert := l.Upsert(ctx, 7, "alice"); errUpsert != nil {
		t.Fatalf("first upsert: %v", errUpsert)
	}
	var first models.Principal
	if errFind := l.db.First(&first, "id = ?", uint64(7)).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}

	if errUpsert := l.Upsert(ctx, 7, "alice2"); errUpsert != nil {
		t.Fatalf("second upsert: %v", errUpsert)
	}

	var count int64
	if errCount := l.db.Model(&models.Principal{}).Where("id = ?", uint64(7)).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("principal rows = %d, want 1", count)
	}

	var second models.Principal
	if errFind := l.db.First(&second, "id = ?", uint64(7)).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if second.DisplayName != "alice2" {
		t.Fatalf("display name = %q, want alice2", second.DisplayName)
	}
	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Fatalf("first seen changed: %s -> %s", first.FirstSeen, second.FirstSeen)
	}
	if second.LastActive.Before(first.LastActive) {
		t.Fatalf("last active went backwards: %s -> %s", first.LastActive, second.LastActive)
	}
}

func TestQuotaArithmetic(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	mustCommit(t, l, 1, "alice", []string{"a.example.com"})

	res, decision, errReserve := l.CheckAndReserve(ctx, 1, 2, false)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if !decision.Allowed || decision.Remaining != 2 || decision.Current != 1 {
		t.Fatalf("decision = %+v, want allowed remaining=2 current=1", decision)
	}
	res.Release()

	res, decision, errReserve = l.CheckAndReserve(ctx, 1, 3, false)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if res != nil || decision.Allowed || decision.Remaining != 2 || decision.Current != 1 {
		t.Fatalf("decision = %+v, want denied remaining=2 current=1", decision)
	}
}

func TestUnlimitedBypassesQuota(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	if errSet := l.SetUnlimited(ctx, 9, true); errSet != nil {
		t.Fatalf("set unlimited: %v", errSet)
	}
	unlimited, errFlag := l.IsUnlimited(ctx, 9)
	if errFlag != nil || !unlimited {
		t.Fatalf("is unlimited = (%v, %v), want true", unlimited, errFlag)
	}

	res, decision, errReserve := l.CheckAndReserve(ctx, 9, 50, true)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if !decision.Allowed || !decision.Unlimited {
		t.Fatalf("decision = %+v, want allowed unlimited", decision)
	}
	res.Release()
}

func TestCommitRoundTrip(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	mustCommit(t, l, 1, "alice", []string{"a.example.com", "b.example.com"})

	rows, errList := l.ListActive(ctx, 1)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Same batch timestamp; newest-first falls back to descending ID.
	if rows[0].Name != "b.example.com" || rows[1].Name != "a.example.com" {
		t.Fatalf("order = [%s, %s]", rows[0].Name, rows[1].Name)
	}
	for _, row := range rows {
		if !row.Active || row.TargetName != "PeteZah" || row.TargetAddress != "62.72.3.251" {
			t.Fatalf("unexpected row: %+v", row)
		}
	}
	if !rows[0].CreatedAt.Equal(rows[1].CreatedAt) {
		t.Fatal("batch rows should share a creation timestamp")
	}

	stats, errStats := l.Stats(ctx, 1)
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if stats.TotalCreated != 2 || stats.ActiveCount != 2 || stats.RemainingSlots != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDeactivateOwnership(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	mustCommit(t, l, 1, "alice", []string{"a.example.com"})

	ok, errDeactivate := l.Deactivate(ctx, 2, "a.example.com")
	if errDeactivate != nil {
		t.Fatalf("deactivate: %v", errDeactivate)
	}
	if ok {
		t.Fatal("principal 2 must not deactivate principal 1's link")
	}

	count, errCount := l.ActiveCount(ctx, 1)
	if errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("active count = %d, want 1 (link must stay active)", count)
	}

	ok, errDeactivate = l.Deactivate(ctx, 1, "a.example.com")
	if errDeactivate != nil {
		t.Fatalf("deactivate: %v", errDeactivate)
	}
	if !ok {
		t.Fatal("owner deactivate should report true")
	}

	ok, errDeactivate = l.Deactivate(ctx, 1, "a.example.com")
	if errDeactivate != nil {
		t.Fatalf("deactivate: %v", errDeactivate)
	}
	if ok {
		t.Fatal("second deactivate should report false")
	}
}

func TestStatsNotFound(t *testing.T) {
	l := openLedger(t)
	_, errStats := l.Stats(context.Background(), 404)
	if !errors.Is(errStats, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", errStats)
	}
}

func TestPurgeInactiveOlderThan(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	mustCommit(t, l, 1, "alice", []string{"old.example.com", "fresh.example.com"})

	if _, errDeactivate := l.Deactivate(ctx, 1, "old.example.com"); errDeactivate != nil {
		t.Fatalf("deactivate: %v", errDeactivate)
	}
	// Age the inactive row past the cutoff.
	aged := time.Now().Add(-40 * 24 * time.Hour)
	if errAge := l.db.Model(&models.Link{}).
		Where("name = ?", "old.example.com").
		Update("created_at", aged).Error; errAge != nil {
		t.Fatalf("age row: %v", errAge)
	}

	removed, errPurge := l.PurgeInactiveOlderThan(ctx, 30*24*time.Hour)
	if errPurge != nil {
		t.Fatalf("purge: %v", errPurge)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	var remaining int64
	if errCount := l.db.Model(&models.Link{}).Count(&remaining).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if remaining != 1 {
		t.Fatalf("remaining rows = %d, want 1", remaining)
	}
}

func TestConcurrentReservationsRespectQuota(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	mustCommit(t, l, 1, "alice", []string{"a.example.com", "b.example.com"})

	const attempts = 16
	var wg sync.WaitGroup
	granted := make(chan *Reservation, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, decision, errReserve := l.CheckAndReserve(ctx, 1, 1, false)
			if errReserve != nil {
				t.Errorf("reserve: %v", errReserve)
				return
			}
			if decision.Allowed {
				granted <- res
			}
		}()
	}
	wg.Wait()
	close(granted)

	var wins []*Reservation
	for res := range granted {
		wins = append(wins, res)
	}
	if len(wins) != 1 {
		t.Fatalf("granted = %d, want exactly 1 (2 of 3 slots used)", len(wins))
	}

	if errCommit := wins[0].Commit(ctx, "alice", []string{"c.example.com"}, "PeteZah", "62.72.3.251"); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}
	count, errCount := l.ActiveCount(ctx, 1)
	if errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 3 {
		t.Fatalf("active count = %d, want 3", count)
	}
}

func TestReleaseRestoresSlots(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	res, decision, errReserve := l.CheckAndReserve(ctx, 1, 3, false)
	if errReserve != nil || !decision.Allowed {
		t.Fatalf("reserve: %v %+v", errReserve, decision)
	}

	// Everything reserved; nothing more fits.
	denied, decision2, errReserve2 := l.CheckAndReserve(ctx, 1, 1, false)
	if errReserve2 != nil {
		t.Fatalf("reserve: %v", errReserve2)
	}
	if denied != nil || decision2.Allowed {
		t.Fatalf("expected denial while slots reserved: %+v", decision2)
	}

	res.Release()
	res.Release() // double release is a no-op

	after, decision3, errReserve3 := l.CheckAndReserve(ctx, 1, 3, false)
	if errReserve3 != nil || !decision3.Allowed {
		t.Fatalf("reserve after release: %v %+v", errReserve3, decision3)
	}
	after.Release()
}

func TestCommitRaceLost(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	mustCommit(t, l, 1, "alice", []string{"a.example.com", "b.example.com"})

	res, decision, errReserve := l.CheckAndReserve(ctx, 1, 1, false)
	if errReserve != nil || !decision.Allowed {
		t.Fatalf("reserve: %v %+v", errReserve, decision)
	}

	// A writer outside the reservation path fills the last slot.
	row := models.Link{PrincipalID: 1, Name: "x.example.com", TargetName: "T", TargetAddress: "1.2.3.4", Active: true, CreatedAt: time.Now()}
	if errCreate := l.db.Create(&row).Error; errCreate != nil {
		t.Fatalf("insert: %v", errCreate)
	}

	errCommit := res.Commit(ctx, "alice", []string{"c.example.com"}, "T", "1.2.3.4")
	if !errors.Is(errCommit, ErrQuotaRaceLost) {
		t.Fatalf("err = %v, want ErrQuotaRaceLost", errCommit)
	}

	count, errCount := l.ActiveCount(ctx, 1)
	if errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 3 {
		t.Fatalf("active count = %d, want 3 (batch must not partially commit)", count)
	}
}

func TestSearchActiveCaseInsensitive(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	mustCommit(t, l, 7, "alice", []string{"alpha.petezah.example.com", "beta.petezah.example.com"})

	rows, errSearch := l.SearchActive(ctx, 7, "ALPHA")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 1 || rows[0].Name != "alpha.petezah.example.com" {
		t.Fatalf("rows = %+v, want only alpha", rows)
	}

	rows, errSearch = l.SearchActive(ctx, 7, "petezah")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	rows, errSearch = l.SearchActive(ctx, 7, "nomatch")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %+v, want none", rows)
	}

	// Deactivated links drop out of the search.
	if _, errDeactivate := l.Deactivate(ctx, 7, "alpha.petezah.example.com"); errDeactivate != nil {
		t.Fatalf("deactivate: %v", errDeactivate)
	}
	rows, errSearch = l.SearchActive(ctx, 7, "Alpha")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %+v, want none after deactivate", rows)
	}
}
