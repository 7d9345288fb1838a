package refresh

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// The in-memory database lives per connection; keep the pool at one so
	// every statement sees the same schema.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSQLiteCreateAndFind(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("j1", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	record, err := store.FindByJTI(ctx, "j1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.UserID != "u1" || record.TokenHash != "hash-j1" || record.Status != StatusActive {
		t.Fatalf("unexpected record: %+v", record)
	}

	if err := store.Create(ctx, activeParams("j1", "u1", "d1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := store.FindByJTI(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRotateKeepsLineage(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("t0", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	p1 := activeParams("t1", "u1", "d1")
	p1.ParentJTI = "t0"
	if err := store.Rotate(ctx, "t0", p1); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The consumed row survives as a lineage marker.
	old, err := store.FindByJTI(ctx, "t0")
	if err != nil {
		t.Fatalf("find consumed: %v", err)
	}
	if old.Status != StatusRevoked || old.RevokedReason != ReasonRotated {
		t.Fatalf("consumed record = %+v, want revoked/rotated", old)
	}
	if store.IsValid(ctx, "t0") {
		t.Fatal("consumed record must not be valid")
	}

	// And cannot be consumed twice.
	p2 := activeParams("tX", "u1", "d1")
	p2.ParentJTI = "t0"
	if err := store.Rotate(ctx, "t0", p2); !errors.Is(err, ErrRotateConflict) {
		t.Fatalf("expected ErrRotateConflict, got %v", err)
	}
}

func TestSQLiteFamilyTraversesFullChain(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("t0", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	p1 := activeParams("t1", "u1", "d1")
	p1.ParentJTI = "t0"
	if err := store.Rotate(ctx, "t0", p1); err != nil {
		t.Fatalf("rotate t0: %v", err)
	}
	p2 := activeParams("t2", "u1", "d1")
	p2.ParentJTI = "t1"
	if err := store.Rotate(ctx, "t1", p2); err != nil {
		t.Fatalf("rotate t1: %v", err)
	}

	family, err := store.Family(ctx, "t0")
	if err != nil {
		t.Fatalf("family: %v", err)
	}
	if len(family) != 3 {
		t.Fatalf("family size = %d, want 3", len(family))
	}

	revoked, err := store.RevokeFamily(ctx, "t0", "token_reuse")
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	// t0 and t1 are already revoked-by-rotation; only the live leaf flips.
	if revoked != 1 {
		t.Fatalf("revoked = %d, want 1", revoked)
	}
	if store.IsValid(ctx, "t2") {
		t.Fatal("leaf must be invalid after family revocation")
	}

	leaf, err := store.FindByJTI(ctx, "t2")
	if err != nil {
		t.Fatalf("find leaf: %v", err)
	}
	if leaf.RevokedReason != "token_reuse" {
		t.Fatalf("leaf reason = %q, want token_reuse", leaf.RevokedReason)
	}
}

func TestSQLiteRevokeAllForUserAndDevice(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("a", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, activeParams("b", "u1", "d2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, activeParams("c", "u2", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	revoked, err := store.RevokeAllForDevice(ctx, "u1", "d1", "device_lost")
	if err != nil {
		t.Fatalf("revoke device: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("device revoked = %d, want 1", revoked)
	}
	if store.IsValid(ctx, "a") || !store.IsValid(ctx, "b") {
		t.Fatal("device revocation must only touch the bound device")
	}

	revoked, err = store.RevokeAllForUser(ctx, "u1", "security_breach", "")
	if err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("user revoked = %d, want 1", revoked)
	}
	if !store.IsValid(ctx, "c") {
		t.Fatal("other user's record must stay valid")
	}
}

func TestSQLiteBatchCreateRollsBackOnFailure(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := store.BatchCreate(ctx, []CreateParams{
		activeParams("a", "u1", "d1"),
		activeParams("b", "u1", "d1"),
		activeParams("a", "u1", "d1"), // duplicate inside the batch: skipped
	})
	if err != nil {
		t.Fatalf("batch create: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
}

func TestSQLiteBatchRevoke(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, jti := range []string{"a", "b"} {
		if err := store.Create(ctx, activeParams(jti, "u1", "d1")); err != nil {
			t.Fatalf("create %s: %v", jti, err)
		}
	}

	revoked, err := store.BatchRevoke(ctx, []string{"a", "b", "missing"}, "manual_revocation")
	if err != nil {
		t.Fatalf("batch revoke: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("revoked = %d, want 2", revoked)
	}
}

func TestSQLiteCleanup(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	stale := activeParams("old", "u1", "d1")
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if err := store.Create(ctx, activeParams("fresh", "u1", "d1")); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, time.Time{})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.FindByJTI(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale record removed, got %v", err)
	}

	// Freshly revoked rows are not old enough to reclaim.
	if _, err := store.Revoke(ctx, "fresh", "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	removed, err = store.CleanupRevokedOlderThan(ctx, 7)
	if err != nil {
		t.Fatalf("cleanup revoked: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

func TestSQLiteStats(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("a", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	expired := activeParams("b", "u1", "d1")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if err := store.Create(ctx, activeParams("c", "u2", "d2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Revoke(ctx, "c", "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	userStats, err := store.UserStats(ctx, "u1")
	if err != nil {
		t.Fatalf("user stats: %v", err)
	}
	if userStats.Total != 2 || userStats.Active != 1 || userStats.Expired != 1 {
		t.Fatalf("unexpected user stats: %+v", userStats)
	}

	sysStats, err := store.SystemStats(ctx)
	if err != nil {
		t.Fatalf("system stats: %v", err)
	}
	if sysStats.Total != 3 || sysStats.Revoked != 1 || sysStats.UniqueUsers != 2 || sysStats.UniqueDevices != 2 {
		t.Fatalf("unexpected system stats: %+v", sysStats)
	}
}

func TestSQLiteFindByUserExcludesExpired(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("a", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	expired := activeParams("b", "u1", "d1")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	live, err := store.FindByUser(ctx, "u1", false)
	if err != nil {
		t.Fatalf("find live: %v", err)
	}
	if len(live) != 1 || live[0].JTI != "a" {
		t.Fatalf("live records = %+v, want [a]", live)
	}

	all, err := store.FindByUser(ctx, "u1", true)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all records = %d, want 2", len(all))
	}
}
