package tokenward

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/hexavault/tokenward/blacklist"
	"github.com/hexavault/tokenward/refresh"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBuilderRequiresBackend(t *testing.T) {
	cfg := validTestConfig(t)

	_, err := New().WithConfig(cfg).Build()
	if err == nil || !strings.Contains(err.Error(), "storage backend required") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestBuilderRejectsBothBackends(t *testing.T) {
	cfg := validTestConfig(t)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = New().
		WithConfig(cfg).
		WithRedis(testRedisClient(t)).
		WithSQLite(db).
		Build()
	if err == nil || !strings.Contains(err.Error(), "choose one backend") {
		t.Fatalf("expected backend conflict error, got %v", err)
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	cfg := validTestConfig(t)
	builder := New().WithConfig(cfg).WithRedis(testRedisClient(t))

	first, err := builder.Build()
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	t.Cleanup(first.Close)

	if _, err := builder.Build(); err == nil {
		t.Fatal("second build on the same builder must fail")
	}
}

func TestBuilderPropagatesInvalidConfig(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.JWT.AccessTTL = 0

	_, err := New().WithConfig(cfg).WithRedis(testRedisClient(t)).Build()
	if err == nil {
		t.Fatal("expected config validation to fail the build")
	}
}

func TestBuilderWithExplicitStores(t *testing.T) {
	cfg := validTestConfig(t)
	client := testRedisClient(t)

	refreshStore := refresh.NewRedisStore(client, "custom-rt", time.Hour)
	blacklistStore := blacklist.NewRedisStore(client, "custom-bl")

	authority, err := New().
		WithConfig(cfg).
		WithStores(refreshStore, blacklistStore).
		Build()
	if err != nil {
		t.Fatalf("build with explicit stores: %v", err)
	}
	t.Cleanup(authority.Close)

	pair, err := authority.GenerateTokenPair(context.Background(), "u1", DeviceInfo{DeviceID: "d1"}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := authority.ValidateRefreshToken(context.Background(), pair.RefreshToken, true); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNilAuthorityFailsClosed(t *testing.T) {
	var authority *Authority
	ctx := context.Background()

	if _, err := authority.GenerateTokenPair(ctx, "u1", DeviceInfo{}, nil); err != ErrAuthorityNotReady {
		t.Fatalf("expected ErrAuthorityNotReady, got %v", err)
	}
	if _, err := authority.ValidateAccessToken(ctx, "x", true); err != ErrAuthorityNotReady {
		t.Fatalf("expected ErrAuthorityNotReady, got %v", err)
	}
	if !authority.IsTokenRevoked(ctx, "x") {
		t.Fatal("nil authority must treat every token as revoked")
	}
	if authority.RevokeToken(ctx, "x", blacklist.ReasonLogout) {
		t.Fatal("nil authority cannot revoke")
	}
}
