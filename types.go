package tokenward

import (
	"context"
	"io"
	"time"

	"github.com/hexavault/tokenward/blacklist"
	internalaudit "github.com/hexavault/tokenward/internal/audit"
	"github.com/hexavault/tokenward/jwt"
	"github.com/hexavault/tokenward/refresh"
)

// DeviceInfo identifies the client endpoint a token pair is bound to. It is
// constructed per request by the caller (typically from HTTP headers) and has
// no lifecycle of its own; the store keeps a denormalized copy.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	Platform   string
	Browser    string
	UserAgent  string
	IPAddress  string
}

// TokenPair is the transient result of issuance and rotation. It is returned
// to the caller and never persisted as a unit.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// TokenClaims is the decoded, trusted view of a verified token.
type TokenClaims = jwt.Payload

// RefreshRecord is a persisted refresh-token record.
type RefreshRecord = refresh.Record

// RefreshStats summarizes one user's refresh-token records.
type RefreshStats = refresh.Stats

// RefreshSystemStats summarizes all refresh-token records.
type RefreshSystemStats = refresh.SystemStats

// BlacklistEntry is a persisted blacklist entry.
type BlacklistEntry = blacklist.Entry

// BlacklistReason enumerates why a token was blacklisted.
type BlacklistReason = blacklist.Reason

// BlacklistStats summarizes blacklist contents.
type BlacklistStats = blacklist.Stats

// RefreshTokenStore is the durable record store behind refresh-token
// lifecycle. Both provided backends (refresh.RedisStore, refresh.SQLiteStore)
// satisfy it; callers may supply their own.
//
// Rotate must guarantee single-winner semantics: of two concurrent rotations
// consuming the same jti, exactly one succeeds and the other receives
// refresh.ErrRotateConflict.
type RefreshTokenStore interface {
	Create(ctx context.Context, params refresh.CreateParams) error
	Rotate(ctx context.Context, oldJTI string, params refresh.CreateParams) error
	FindByJTI(ctx context.Context, jti string) (*refresh.Record, error)
	FindByUser(ctx context.Context, userID string, includeExpired bool) ([]*refresh.Record, error)
	FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]*refresh.Record, error)
	TouchLastUsed(ctx context.Context, jti string, at time.Time) error
	Revoke(ctx context.Context, jti, reason string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason, excludeJTI string) (int, error)
	RevokeAllForDevice(ctx context.Context, userID, deviceID, reason string) (int, error)
	Delete(ctx context.Context, jti string) (bool, error)
	IsRevoked(ctx context.Context, jti string) bool
	IsExpired(ctx context.Context, jti string) bool
	IsValid(ctx context.Context, jti string) bool
	Family(ctx context.Context, rootJTI string) ([]*refresh.Record, error)
	RevokeFamily(ctx context.Context, rootJTI, reason string) (int, error)
	BatchCreate(ctx context.Context, items []refresh.CreateParams) (int, error)
	BatchRevoke(ctx context.Context, jtis []string, reason string) (int, error)
	CleanupExpired(ctx context.Context, before time.Time) (int, error)
	CleanupRevokedOlderThan(ctx context.Context, days int) (int, error)
	UserStats(ctx context.Context, userID string) (refresh.Stats, error)
	SystemStats(ctx context.Context) (refresh.SystemStats, error)
}

// BlacklistStore is the durable denylist behind immediate revocation. Both
// provided backends (blacklist.RedisStore, blacklist.SQLiteStore) satisfy it.
type BlacklistStore interface {
	Add(ctx context.Context, entry blacklist.Entry) (bool, error)
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	Remove(ctx context.Context, jti string) (bool, error)
	FindByJTI(ctx context.Context, jti string) (*blacklist.Entry, error)
	FindByUser(ctx context.Context, userID string) ([]*blacklist.Entry, error)
	FindByDevice(ctx context.Context, deviceID string) ([]*blacklist.Entry, error)
	FindByReason(ctx context.Context, reason blacklist.Reason) ([]*blacklist.Entry, error)
	BatchAdd(ctx context.Context, entries []blacklist.Entry) (int, error)
	BatchIsBlacklisted(ctx context.Context, jtis []string) (map[string]bool, error)
	BatchRemove(ctx context.Context, jtis []string) (int, error)
	Cleanup(ctx context.Context, before time.Time) (int, error)
	CleanupOlderThan(ctx context.Context, days int) (int, error)
	Stats(ctx context.Context) (blacklist.Stats, error)
	SizeInfo(ctx context.Context) (blacklist.SizeInfo, error)
	IsSizeExceeded(ctx context.Context, maxEntries int) (bool, error)
	Optimize(ctx context.Context) (blacklist.OptimizeResult, error)
}

// AuditEvent is a structured audit record emitted by the authority.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the authority's audit
// dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
