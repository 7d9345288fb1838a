package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, "rt", 0)
}

func activeParams(jti, userID, deviceID string) CreateParams {
	return CreateParams{
		JTI:       jti,
		UserID:    userID,
		TokenHash: "hash-" + jti,
		ExpiresAt: time.Now().Add(time.Hour),
		DeviceID:  deviceID,
	}
}

func TestRedisCreateAndFind(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("j1", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	record, err := store.FindByJTI(ctx, "j1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.UserID != "u1" || record.DeviceID != "d1" || record.TokenHash != "hash-j1" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Status != StatusActive {
		t.Fatalf("status = %q, want active", record.Status)
	}

	if err := store.Create(ctx, activeParams("j1", "u1", "d1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if _, err := store.FindByJTI(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRotateLeavesRevokedMarker(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("t0", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := activeParams("t1", "u1", "d1")
	next.ParentJTI = "t0"
	if err := store.Rotate(ctx, "t0", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The consumed record stays behind as a revoked marker.
	old, err := store.FindByJTI(ctx, "t0")
	if err != nil {
		t.Fatalf("find consumed record: %v", err)
	}
	if old.Status != StatusRevoked || old.RevokedReason != ReasonRotated {
		t.Fatalf("consumed record = %+v, want revoked with reason %q", old, ReasonRotated)
	}
	if old.RevokedAt.IsZero() {
		t.Fatal("consumed record must carry a revocation timestamp")
	}
	if store.IsValid(ctx, "t0") {
		t.Fatal("consumed record must not validate")
	}

	child, err := store.FindByJTI(ctx, "t1")
	if err != nil {
		t.Fatalf("find child: %v", err)
	}
	if child.ParentJTI != "t0" {
		t.Fatalf("parent jti = %q, want t0", child.ParentJTI)
	}

	// The consumed record cannot be rotated twice.
	again := activeParams("t2", "u1", "d1")
	again.ParentJTI = "t0"
	if err := store.Rotate(ctx, "t0", again); !errors.Is(err, ErrRotateConflict) {
		t.Fatalf("expected ErrRotateConflict, got %v", err)
	}
}

func TestRedisRotateHonorsPriorRevocation(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("t0", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Revoke(ctx, "t0", "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	next := activeParams("t1", "u1", "d1")
	next.ParentJTI = "t0"
	if err := store.Rotate(ctx, "t0", next); !errors.Is(err, ErrRotateConflict) {
		t.Fatalf("expected ErrRotateConflict, got %v", err)
	}

	record, err := store.FindByJTI(ctx, "t0")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.RevokedReason != "logout" {
		t.Fatalf("revocation reason = %q, want logout preserved", record.RevokedReason)
	}
	if _, err := store.FindByJTI(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed rotation must not create a child, got %v", err)
	}
}

func TestRedisRotateSingleWinner(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("t0", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			params := activeParams(fmt.Sprintf("child-%d", i), "u1", "d1")
			params.ParentJTI = "t0"
			results <- store.Rotate(ctx, "t0", params)
		}(i)
	}
	wg.Wait()
	close(results)

	success, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrRotateConflict):
			conflicts++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}

	if success != 1 {
		t.Fatalf("expected exactly one rotation winner, got %d", success)
	}
	if conflicts != n-1 {
		t.Fatalf("expected %d conflicts, got %d", n-1, conflicts)
	}
}

func TestRedisRevokeLifecycle(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("j1", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !store.IsValid(ctx, "j1") {
		t.Fatal("fresh record should be valid")
	}
	if store.IsRevoked(ctx, "j1") {
		t.Fatal("fresh record should not be revoked")
	}

	changed, err := store.Revoke(ctx, "j1", "logout")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !changed {
		t.Fatal("first revoke should report a change")
	}

	changed, err = store.Revoke(ctx, "j1", "logout")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if changed {
		t.Fatal("second revoke should be a no-op")
	}

	if store.IsValid(ctx, "j1") {
		t.Fatal("revoked record must not be valid")
	}
	if !store.IsRevoked(ctx, "j1") {
		t.Fatal("revoked record must report revoked")
	}

	record, err := store.FindByJTI(ctx, "j1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.RevokedReason != "logout" || record.RevokedAt.IsZero() {
		t.Fatalf("revocation not stamped: %+v", record)
	}

	// Revoking a missing jti is not an error.
	changed, err = store.Revoke(ctx, "missing", "logout")
	if err != nil || changed {
		t.Fatalf("revoke missing: changed=%v err=%v", changed, err)
	}
}

func TestRedisFamilyAcrossRotations(t *testing.T) {
	store := newTestRedisStore(t)
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

	// Consumed records stay behind as markers, so the family from the root
	// lists the whole chain, root first.
	family, err := store.Family(ctx, "t0")
	if err != nil {
		t.Fatalf("family: %v", err)
	}
	jtis := make([]string, 0, len(family))
	for _, r := range family {
		jtis = append(jtis, r.JTI)
	}
	if len(family) != 3 || jtis[0] != "t0" {
		t.Fatalf("family from t0 = %v, want [t0 t1 t2]", jtis)
	}
	for _, r := range family[:2] {
		if r.Status != StatusRevoked || r.RevokedReason != ReasonRotated {
			t.Fatalf("consumed ancestor %s = %+v, want rotated marker", r.JTI, r)
		}
	}

	// Only the live leaf transitions; the markers are already revoked.
	revoked, err := store.RevokeFamily(ctx, "t0", "token_reuse")
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("revoked = %d, want 1", revoked)
	}
	if store.IsValid(ctx, "t2") {
		t.Fatal("leaf must be invalid after family revocation")
	}
}

func TestRedisFindByUserAndDevice(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i, jti := range []string{"a", "b", "c"} {
		device := "d1"
		if i == 2 {
			device = "d2"
		}
		if err := store.Create(ctx, activeParams(jti, "u1", device)); err != nil {
			t.Fatalf("create %s: %v", jti, err)
		}
	}
	if err := store.Create(ctx, activeParams("other", "u2", "d1")); err != nil {
		t.Fatalf("create other: %v", err)
	}

	byUser, err := store.FindByUser(ctx, "u1", false)
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if len(byUser) != 3 {
		t.Fatalf("u1 records = %d, want 3", len(byUser))
	}

	byDevice, err := store.FindByUserAndDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("find by device: %v", err)
	}
	if len(byDevice) != 2 {
		t.Fatalf("u1/d1 records = %d, want 2", len(byDevice))
	}
}

func TestRedisRevokeAllForUserWithExclusion(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for _, jti := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, activeParams(jti, "u1", "d1")); err != nil {
			t.Fatalf("create %s: %v", jti, err)
		}
	}

	revoked, err := store.RevokeAllForUser(ctx, "u1", "security_breach", "b")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("revoked = %d, want 2", revoked)
	}
	if !store.IsValid(ctx, "b") {
		t.Fatal("excluded record must stay valid")
	}
	if store.IsValid(ctx, "a") || store.IsValid(ctx, "c") {
		t.Fatal("non-excluded records must be revoked")
	}
}

func TestRedisCleanupExpired(t *testing.T) {
	store := newTestRedisStore(t)
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
	if _, err := store.FindByJTI(ctx, "fresh"); err != nil {
		t.Fatalf("fresh record must survive cleanup: %v", err)
	}
}

func TestRedisStats(t *testing.T) {
	store := newTestRedisStore(t)
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

func TestRedisBatchCreateSkipsDuplicates(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("dup", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	created, err := store.BatchCreate(ctx, []CreateParams{
		activeParams("dup", "u1", "d1"),
		activeParams("x", "u1", "d1"),
		activeParams("y", "u1", "d1"),
	})
	if err != nil {
		t.Fatalf("batch create: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
}

func TestRedisBatchRevoke(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for _, jti := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, activeParams(jti, "u1", "d1")); err != nil {
			t.Fatalf("create %s: %v", jti, err)
		}
	}
	if _, err := store.Revoke(ctx, "c", "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Missing and already-revoked jtis are skipped, not counted.
	revoked, err := store.BatchRevoke(ctx, []string{"a", "b", "c", "missing"}, "security_breach")
	if err != nil {
		t.Fatalf("batch revoke: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("revoked = %d, want 2", revoked)
	}

	for _, jti := range []string{"a", "b"} {
		record, err := store.FindByJTI(ctx, jti)
		if err != nil {
			t.Fatalf("find %s: %v", jti, err)
		}
		if record.Status != StatusRevoked || record.RevokedReason != "security_breach" {
			t.Fatalf("record %s = %+v, want revoked for security_breach", jti, record)
		}
	}

	record, err := store.FindByJTI(ctx, "c")
	if err != nil {
		t.Fatalf("find c: %v", err)
	}
	if record.RevokedReason != "logout" {
		t.Fatalf("earlier revocation reason = %q, want logout preserved", record.RevokedReason)
	}
}

func TestRedisTouchLastUsed(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, activeParams("j1", "u1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().Add(time.Minute).Truncate(time.Second)
	if err := store.TouchLastUsed(ctx, "j1", at); err != nil {
		t.Fatalf("touch: %v", err)
	}

	record, err := store.FindByJTI(ctx, "j1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !record.LastUsedAt.Equal(at) {
		t.Fatalf("last used = %v, want %v", record.LastUsedAt, at)
	}

	if err := store.TouchLastUsed(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
