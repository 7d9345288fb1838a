package tokenward

import (
	"context"
	"strconv"
	"time"

	"github.com/hexavault/tokenward/blacklist"
	"github.com/hexavault/tokenward/jwt"
	"github.com/hexavault/tokenward/refresh"
)

// RevokeToken immediately invalidates a single token of either type: the jti
// is blacklisted until the token's own expiry, and a refresh token's store
// record is deleted as well. Revocation is best-effort by design — logout
// must degrade gracefully — so failures return false instead of an error.
// Revoking an already-revoked token returns true.
func (a *Authority) RevokeToken(ctx context.Context, tokenStr string, reason BlacklistReason) bool {
	if a == nil || a.codec == nil || a.blacklistStore == nil {
		return false
	}

	payload, err := a.codec.DecodeUnsafe(tokenStr)
	if err != nil {
		return false
	}

	expiresAt := payload.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(a.config.Blacklist.BulkEntryTTL)
	}

	_, err = a.blacklistStore.Add(ctx, blacklist.Entry{
		JTI:       payload.JTI,
		TokenType: string(payload.TokenType),
		UserID:    payload.Subject,
		DeviceID:  payload.DeviceID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		a.emitAudit(ctx, auditEventTokenRevoked, false, payload.Subject, payload.JTI, string(payload.TokenType), payload.DeviceID, err, nil)
		return false
	}

	if payload.TokenType == jwt.TypeRefresh && a.refreshStore != nil {
		if _, err := a.refreshStore.Delete(ctx, payload.JTI); err != nil {
			a.emitAudit(ctx, auditEventTokenRevoked, false, payload.Subject, payload.JTI, string(payload.TokenType), payload.DeviceID, err, nil)
			return false
		}
	}

	a.metricInc(MetricTokenRevoked)
	a.emitAudit(ctx, auditEventTokenRevoked, true, payload.Subject, payload.JTI, string(payload.TokenType), payload.DeviceID, nil, func() map[string]string {
		return map[string]string{"reason": string(reason)}
	})

	return true
}

// RevokeAllUserTokens revokes every currently-active refresh record of a
// user and blacklists each revoked jti, returning the number of records
// revoked. Store failures surface as a zero count.
func (a *Authority) RevokeAllUserTokens(ctx context.Context, userID string, reason BlacklistReason) int {
	if a == nil || a.refreshStore == nil {
		return 0
	}

	active := a.activeRecords(ctx, userID, "")

	count, err := a.refreshStore.RevokeAllForUser(ctx, userID, string(reason), "")
	if err != nil {
		a.emitAudit(ctx, auditEventUserTokensRevoked, false, userID, "", "", "", err, nil)
		return 0
	}

	a.blacklistRecords(ctx, active, reason)

	a.metricInc(MetricUserRevoked)
	a.emitAudit(ctx, auditEventUserTokensRevoked, true, userID, "", "", "", nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(count), "reason": string(reason)}
	})

	return count
}

// RevokeAllDeviceTokens revokes every currently-active refresh record bound
// to one device of a user and blacklists each revoked jti.
func (a *Authority) RevokeAllDeviceTokens(ctx context.Context, userID, deviceID string, reason BlacklistReason) int {
	if a == nil || a.refreshStore == nil {
		return 0
	}

	active := a.activeRecords(ctx, userID, deviceID)

	count, err := a.refreshStore.RevokeAllForDevice(ctx, userID, deviceID, string(reason))
	if err != nil {
		a.emitAudit(ctx, auditEventDeviceTokensRevoked, false, userID, "", "", deviceID, err, nil)
		return 0
	}

	a.blacklistRecords(ctx, active, reason)

	a.metricInc(MetricDeviceRevoked)
	a.emitAudit(ctx, auditEventDeviceTokensRevoked, true, userID, "", "", deviceID, nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(count), "reason": string(reason)}
	})

	return count
}

// RevokeTokenFamily revokes the rotation family rooted at rootJTI — the root
// record plus every transitive descendant — and blacklists each member,
// returning the number of records revoked.
func (a *Authority) RevokeTokenFamily(ctx context.Context, rootJTI string, reason BlacklistReason) int {
	if a == nil || a.refreshStore == nil {
		return 0
	}

	family, _ := a.refreshStore.Family(ctx, rootJTI)

	count, err := a.refreshStore.RevokeFamily(ctx, rootJTI, string(reason))
	if err != nil {
		a.emitAudit(ctx, auditEventFamilyRevoked, false, "", rootJTI, "", "", err, nil)
		return 0
	}

	a.blacklistRecords(ctx, activeOnly(family), reason)

	a.metricInc(MetricFamilyRevoked)
	a.emitAudit(ctx, auditEventFamilyRevoked, true, "", rootJTI, "", "", nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(count), "reason": string(reason)}
	})

	return count
}

// BlacklistAllUserTokens inserts one blacklist entry per currently-active
// refresh jti of the user, without touching the records themselves. Entries
// carry a bounded synthetic expiry ([BlacklistConfig.BulkEntryTTL]) so the
// blacklist cannot grow unbounded. Returns the number of entries added.
func (a *Authority) BlacklistAllUserTokens(ctx context.Context, userID string, reason BlacklistReason) int {
	if a == nil || a.refreshStore == nil || a.blacklistStore == nil {
		return 0
	}
	return a.blacklistRecords(ctx, a.activeRecords(ctx, userID, ""), reason)
}

// BlacklistAllDeviceTokens is BlacklistAllUserTokens scoped to one device of
// a user.
func (a *Authority) BlacklistAllDeviceTokens(ctx context.Context, userID, deviceID string, reason BlacklistReason) int {
	if a == nil || a.refreshStore == nil || a.blacklistStore == nil {
		return 0
	}
	return a.blacklistRecords(ctx, a.activeRecords(ctx, userID, deviceID), reason)
}

// CleanupResult reports one garbage-collection pass.
type CleanupResult struct {
	RefreshRemoved   int
	BlacklistRemoved int
}

// CleanupExpired removes expired refresh records and expired blacklist
// entries. It only touches rows already past their expiry, so it is safe to
// run concurrently with normal traffic, typically from a periodic job.
func (a *Authority) CleanupExpired(ctx context.Context, before time.Time) (CleanupResult, error) {
	if a == nil {
		return CleanupResult{}, ErrAuthorityNotReady
	}

	var result CleanupResult

	if a.refreshStore != nil {
		removed, err := a.refreshStore.CleanupExpired(ctx, before)
		if err != nil {
			return result, err
		}
		result.RefreshRemoved = removed
	}

	if a.blacklistStore != nil {
		removed, err := a.blacklistStore.Cleanup(ctx, before)
		if err != nil {
			return result, err
		}
		result.BlacklistRemoved = removed
	}

	a.metricInc(MetricCleanupRun)
	a.emitAudit(ctx, auditEventCleanupRun, true, "", "", "", "", nil, func() map[string]string {
		return map[string]string{
			"refresh_removed":   strconv.Itoa(result.RefreshRemoved),
			"blacklist_removed": strconv.Itoa(result.BlacklistRemoved),
		}
	})

	return result, nil
}

func (a *Authority) activeRecords(ctx context.Context, userID, deviceID string) []*refresh.Record {
	var (
		records []*refresh.Record
		err     error
	)
	if deviceID == "" {
		records, err = a.refreshStore.FindByUser(ctx, userID, false)
	} else {
		records, err = a.refreshStore.FindByUserAndDevice(ctx, userID, deviceID)
	}
	if err != nil {
		return nil
	}
	return activeOnly(records)
}

// blacklistRecords inserts entries for the given records with a synthetic
// expiry capped at BulkEntryTTL. Duplicates do not count.
func (a *Authority) blacklistRecords(ctx context.Context, records []*refresh.Record, reason BlacklistReason) int {
	if a.blacklistStore == nil || len(records) == 0 {
		return 0
	}

	latest := time.Now().Add(a.config.Blacklist.BulkEntryTTL)
	entries := make([]blacklist.Entry, 0, len(records))
	for _, record := range records {
		expiresAt := record.ExpiresAt
		if expiresAt.After(latest) {
			expiresAt = latest
		}
		entries = append(entries, blacklist.Entry{
			JTI:       record.JTI,
			TokenType: string(jwt.TypeRefresh),
			UserID:    record.UserID,
			DeviceID:  record.DeviceID,
			Reason:    reason,
			ExpiresAt: expiresAt,
			Metadata:  map[string]string{"token_hash": record.TokenHash},
		})
	}

	added, _ := a.blacklistStore.BatchAdd(ctx, entries)
	return added
}

func activeOnly(records []*refresh.Record) []*refresh.Record {
	now := time.Now()
	out := records[:0:0]
	for _, record := range records {
		if record.Usable(now) {
			out = append(out, record)
		}
	}
	return out
}
