package tokenward

import (
	"context"
	"time"

	"github.com/hexavault/tokenward/jwt"
)

// Read-only helpers. None of these verify the token's signature and none of
// them return errors: on any internal failure they fail closed, reporting
// the token as revoked, expired, or unowned so the safe default is always
// "deny". They must not gate authorization on their own — that is what
// ValidateAccessToken and ValidateRefreshToken are for.

// IsTokenRevoked reports whether the token's jti is blacklisted or, for
// refresh tokens, whether its store record is revoked or gone.
func (a *Authority) IsTokenRevoked(ctx context.Context, tokenStr string) bool {
	if a == nil || a.codec == nil {
		return true
	}

	payload, err := a.codec.DecodeUnsafe(tokenStr)
	if err != nil {
		return true
	}

	if a.blacklistStore != nil {
		hit, err := a.blacklistStore.IsBlacklisted(ctx, payload.JTI)
		if err != nil || hit {
			return true
		}
	}

	if payload.TokenType == jwt.TypeRefresh && a.refreshStore != nil {
		return !a.refreshStore.IsValid(ctx, payload.JTI)
	}

	return false
}

// RemainingLife returns the time until the token's exp claim, zero when the
// token is expired or undecodable.
func (a *Authority) RemainingLife(tokenStr string) time.Duration {
	if a == nil || a.codec == nil {
		return 0
	}

	payload, err := a.codec.DecodeUnsafe(tokenStr)
	if err != nil || payload.ExpiresAt.IsZero() {
		return 0
	}

	remaining := time.Until(payload.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsNearExpiry reports whether the token expires within threshold. An
// undecodable token is near expiry.
func (a *Authority) IsNearExpiry(tokenStr string, threshold time.Duration) bool {
	return a.RemainingLife(tokenStr) <= threshold
}

// IsOwnedBy reports whether the token's subject claim equals userID.
func (a *Authority) IsOwnedBy(tokenStr, userID string) bool {
	if a == nil || a.codec == nil || userID == "" {
		return false
	}

	payload, err := a.codec.DecodeUnsafe(tokenStr)
	if err != nil {
		return false
	}
	return payload.Subject == userID
}

// IsFromDevice reports whether the token's device claim matches the given
// device binding.
func (a *Authority) IsFromDevice(tokenStr string, device DeviceInfo) bool {
	if a == nil || a.codec == nil || device.DeviceID == "" {
		return false
	}

	payload, err := a.codec.DecodeUnsafe(tokenStr)
	if err != nil {
		return false
	}
	return payload.DeviceID == device.DeviceID
}

// UserTokenStats tallies a user's refresh records by lifecycle state.
func (a *Authority) UserTokenStats(ctx context.Context, userID string) (RefreshStats, error) {
	if a == nil || a.refreshStore == nil {
		return RefreshStats{}, ErrAuthorityNotReady
	}
	return a.refreshStore.UserStats(ctx, userID)
}

// SystemTokenStats tallies all refresh records plus distinct users and
// devices.
func (a *Authority) SystemTokenStats(ctx context.Context) (RefreshSystemStats, error) {
	if a == nil || a.refreshStore == nil {
		return RefreshSystemStats{}, ErrAuthorityNotReady
	}
	return a.refreshStore.SystemStats(ctx)
}

// BlacklistStats tallies blacklist entries by token type and reason.
func (a *Authority) BlacklistStats(ctx context.Context) (BlacklistStats, error) {
	if a == nil || a.blacklistStore == nil {
		return BlacklistStats{}, ErrAuthorityNotReady
	}
	return a.blacklistStore.Stats(ctx)
}
