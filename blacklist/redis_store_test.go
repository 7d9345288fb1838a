package blacklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, "bl"), mr
}

func liveEntry(jti string, reason Reason) Entry {
	return Entry{
		JTI:       jti,
		TokenType: "access",
		UserID:    "u1",
		DeviceID:  "d1",
		Reason:    reason,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestRedisAddIsIdempotent(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	added, err := store.Add(ctx, liveEntry("j1", ReasonLogout))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatal("first add should insert")
	}

	added, err = store.Add(ctx, liveEntry("j1", ReasonLogout))
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if added {
		t.Fatal("duplicate add must be a no-op")
	}

	hit, err := store.IsBlacklisted(ctx, "j1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !hit {
		t.Fatal("expected jti to be blacklisted")
	}
}

func TestRedisAddSkipsExpiredEntry(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	dead := liveEntry("j1", ReasonLogout)
	dead.ExpiresAt = time.Now().Add(-time.Minute)

	added, err := store.Add(ctx, dead)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added {
		t.Fatal("already-expired entry must not be inserted")
	}

	hit, err := store.IsBlacklisted(ctx, "j1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hit {
		t.Fatal("expired entry must not blacklist anything")
	}
}

func TestRedisEntryExpiresWithTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	entry := liveEntry("j1", ReasonLogout)
	entry.ExpiresAt = time.Now().Add(time.Minute)
	if _, err := store.Add(ctx, entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	hit, err := store.IsBlacklisted(ctx, "j1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hit {
		t.Fatal("entry must vanish once its TTL lapses")
	}
}

func TestRedisRemove(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, liveEntry("j1", ReasonManualRevocation)); err != nil {
		t.Fatalf("add: %v", err)
	}

	existed, err := store.Remove(ctx, "j1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !existed {
		t.Fatal("remove should report the entry existed")
	}

	existed, err = store.Remove(ctx, "j1")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if existed {
		t.Fatal("second remove must be a no-op")
	}

	if _, err := store.FindByJTI(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisFindByIndexes(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	a := liveEntry("a", ReasonLogout)
	b := liveEntry("b", ReasonSecurityBreach)
	c := liveEntry("c", ReasonSecurityBreach)
	c.UserID = "u2"
	c.DeviceID = "d2"

	for _, entry := range []Entry{a, b, c} {
		if _, err := store.Add(ctx, entry); err != nil {
			t.Fatalf("add %s: %v", entry.JTI, err)
		}
	}

	byUser, err := store.FindByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("u1 entries = %d, want 2", len(byUser))
	}

	byDevice, err := store.FindByDevice(ctx, "d2")
	if err != nil {
		t.Fatalf("find by device: %v", err)
	}
	if len(byDevice) != 1 || byDevice[0].JTI != "c" {
		t.Fatalf("d2 entries = %+v, want [c]", byDevice)
	}

	byReason, err := store.FindByReason(ctx, ReasonSecurityBreach)
	if err != nil {
		t.Fatalf("find by reason: %v", err)
	}
	if len(byReason) != 2 {
		t.Fatalf("breach entries = %d, want 2", len(byReason))
	}
}

func TestRedisIndexesCoverPartialIdentity(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	userOnly := liveEntry("user-only", ReasonLogout)
	userOnly.DeviceID = ""
	deviceOnly := liveEntry("device-only", ReasonLogout)
	deviceOnly.UserID = ""
	anonymous := liveEntry("anonymous", ReasonLogout)
	anonymous.UserID = ""
	anonymous.DeviceID = ""

	for _, entry := range []Entry{userOnly, deviceOnly, anonymous} {
		if _, err := store.Add(ctx, entry); err != nil {
			t.Fatalf("add %s: %v", entry.JTI, err)
		}
	}

	byUser, err := store.FindByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if len(byUser) != 1 || byUser[0].JTI != "user-only" {
		t.Fatalf("u1 entries = %+v, want [user-only]", byUser)
	}

	byDevice, err := store.FindByDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("find by device: %v", err)
	}
	if len(byDevice) != 1 || byDevice[0].JTI != "device-only" {
		t.Fatalf("d1 entries = %+v, want [device-only]", byDevice)
	}

	byReason, err := store.FindByReason(ctx, ReasonLogout)
	if err != nil {
		t.Fatalf("find by reason: %v", err)
	}
	if len(byReason) != 3 {
		t.Fatalf("logout entries = %d, want 3", len(byReason))
	}

	// Removal must unlink the same index positions it populated.
	if _, err := store.Remove(ctx, "user-only"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	byUser, err = store.FindByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("find by user after remove: %v", err)
	}
	if len(byUser) != 0 {
		t.Fatalf("u1 entries after remove = %+v, want none", byUser)
	}
}

func TestRedisBatchRemove(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	added, err := store.BatchAdd(ctx, []Entry{
		liveEntry("a", ReasonLogout),
		liveEntry("b", ReasonSecurityBreach),
	})
	if err != nil {
		t.Fatalf("batch add: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	removed, err := store.BatchRemove(ctx, []string{"a", "b", "absent"})
	if err != nil {
		t.Fatalf("batch remove: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	for _, jti := range []string{"a", "b"} {
		hit, err := store.IsBlacklisted(ctx, jti)
		if err != nil {
			t.Fatalf("lookup %s: %v", jti, err)
		}
		if hit {
			t.Fatalf("%s must be gone after batch remove", jti)
		}
	}

	byUser, err := store.FindByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if len(byUser) != 0 {
		t.Fatalf("u1 entries after batch remove = %+v, want none", byUser)
	}
}

func TestRedisBatchIsBlacklisted(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, liveEntry("present", ReasonLogout)); err != nil {
		t.Fatalf("add: %v", err)
	}

	result, err := store.BatchIsBlacklisted(ctx, []string{"present", "absent"})
	if err != nil {
		t.Fatalf("batch lookup: %v", err)
	}
	if !result["present"] || result["absent"] {
		t.Fatalf("unexpected batch result: %v", result)
	}
}

func TestRedisStatsClassifiesReasons(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	entries := []Entry{
		liveEntry("a", ReasonLogout),
		liveEntry("b", ReasonTokenReuse),
		liveEntry("c", ReasonManualRevocation),
	}
	refresh := liveEntry("d", ReasonSecurityBreach)
	refresh.TokenType = "refresh"
	entries = append(entries, refresh)

	added, err := store.BatchAdd(ctx, entries)
	if err != nil {
		t.Fatalf("batch add: %v", err)
	}
	if added != 4 {
		t.Fatalf("added = %d, want 4", added)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("total = %d, want 4", stats.Total)
	}
	if stats.SecurityRelated != 2 || stats.UserInitiated != 1 || stats.SystemInitiated != 1 {
		t.Fatalf("unexpected classification: %+v", stats)
	}
	if stats.ByTokenType["refresh"] != 1 || stats.ByTokenType["access"] != 3 {
		t.Fatalf("unexpected token type split: %v", stats.ByTokenType)
	}
	if stats.ByReason[ReasonTokenReuse] != 1 {
		t.Fatalf("unexpected reason split: %v", stats.ByReason)
	}
}

func TestRedisSizeInfoAndCap(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for _, jti := range []string{"a", "b", "c"} {
		if _, err := store.Add(ctx, liveEntry(jti, ReasonLogout)); err != nil {
			t.Fatalf("add %s: %v", jti, err)
		}
	}

	info, err := store.SizeInfo(ctx)
	if err != nil {
		t.Fatalf("size info: %v", err)
	}
	if info.Entries != 3 || info.ApproxBytes <= 0 {
		t.Fatalf("unexpected size info: %+v", info)
	}

	exceeded, err := store.IsSizeExceeded(ctx, 2)
	if err != nil {
		t.Fatalf("size check: %v", err)
	}
	if !exceeded {
		t.Fatal("expected cap of 2 to be exceeded")
	}

	exceeded, err = store.IsSizeExceeded(ctx, 10)
	if err != nil {
		t.Fatalf("size check: %v", err)
	}
	if exceeded {
		t.Fatal("cap of 10 must not be exceeded")
	}
}

func TestRedisOptimizePrunesStaleIndexMembers(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	short := liveEntry("short", ReasonLogout)
	short.ExpiresAt = time.Now().Add(time.Minute)
	if _, err := store.Add(ctx, short); err != nil {
		t.Fatalf("add short: %v", err)
	}
	if _, err := store.Add(ctx, liveEntry("long", ReasonLogout)); err != nil {
		t.Fatalf("add long: %v", err)
	}

	// Let the short entry's key lapse; its index membership lingers.
	mr.FastForward(2 * time.Minute)

	result, err := store.Optimize(ctx)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if result.Elapsed < 0 {
		t.Fatalf("elapsed = %v", result.Elapsed)
	}

	byUser, err := store.FindByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if len(byUser) != 1 || byUser[0].JTI != "long" {
		t.Fatalf("post-optimize entries = %+v, want [long]", byUser)
	}
}
