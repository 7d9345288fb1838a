package tokenward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hexavault/tokenward/blacklist"
	"github.com/hexavault/tokenward/internal"
	internalaudit "github.com/hexavault/tokenward/internal/audit"
	"github.com/hexavault/tokenward/jwt"
	"github.com/hexavault/tokenward/refresh"
)

// Authority orchestrates issuance, validation, rotation, and revocation of
// access/refresh token pairs. It is stateless between calls; all durable
// state lives in the injected stores, so a single Authority is safe for
// concurrent use from many goroutines after [Builder.Build].
type Authority struct {
	config         Config
	codec          *jwt.Codec
	refreshStore   RefreshTokenStore
	blacklistStore BlacklistStore
	metrics        *Metrics
	audit          *internalaudit.Dispatcher
}

// Close drains and stops the audit dispatcher. The Authority must not be
// used after Close.
func (a *Authority) Close() {
	if a == nil {
		return
	}
	if a.audit != nil {
		a.audit.Close()
	}
}

// AuditDropped reports audit events dropped due to dispatcher backpressure.
func (a *Authority) AuditDropped() uint64 {
	if a == nil || a.audit == nil {
		return 0
	}
	return a.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all metrics.
func (a *Authority) MetricsSnapshot() MetricsSnapshot {
	if a == nil || a.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return a.metrics.Snapshot()
}

func (a *Authority) metricInc(id MetricID) {
	if a == nil || a.metrics == nil {
		return
	}
	a.metrics.Inc(id)
}

// GenerateTokenPair signs a fresh access/refresh pair for the (userID,
// device) binding and persists the refresh record as the root of a new
// rotation family. Custom claims are embedded in both tokens verbatim. Any
// signing or persistence failure is wrapped as [ErrTokenGeneration].
func (a *Authority) GenerateTokenPair(ctx context.Context, userID string, device DeviceInfo, customClaims map[string]string) (*TokenPair, error) {
	if a == nil || a.codec == nil || a.refreshStore == nil {
		return nil, ErrAuthorityNotReady
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrTokenGeneration)
	}

	device = a.fillDeviceFromContext(ctx, device)

	pair, refreshJTI, err := a.mintPair(userID, device.DeviceID, customClaims)
	if err != nil {
		a.metricInc(MetricIssueFailure)
		a.emitAudit(ctx, auditEventIssueFailure, false, userID, "", "", device.DeviceID, err, nil)
		return nil, err
	}

	err = a.refreshStore.Create(ctx, refresh.CreateParams{
		JTI:        refreshJTI,
		UserID:     userID,
		TokenHash:  internal.HashToken(pair.RefreshToken),
		ExpiresAt:  pair.RefreshTokenExpiresAt,
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		Platform:   device.Platform,
		Browser:    device.Browser,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
	})
	if err != nil {
		a.metricInc(MetricIssueFailure)
		a.emitAudit(ctx, auditEventIssueFailure, false, userID, refreshJTI, string(jwt.TypeRefresh), device.DeviceID, err, nil)
		return nil, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	a.metricInc(MetricIssueSuccess)
	a.emitAudit(ctx, auditEventPairIssued, true, userID, refreshJTI, string(jwt.TypeRefresh), device.DeviceID, nil, nil)

	return pair, nil
}

// ValidateAccessToken verifies the token's signature, expiry, and type, then
// consults the blacklist unless checkBlacklist is false. A blacklist lookup
// failure on this path is treated as a hit: the safe answer is always deny.
func (a *Authority) ValidateAccessToken(ctx context.Context, tokenStr string, checkBlacklist bool) (*TokenClaims, error) {
	if a == nil || a.codec == nil {
		return nil, ErrAuthorityNotReady
	}

	start := time.Now()
	defer func() {
		if a.metrics.LatencyEnabled() {
			a.metrics.Observe(MetricValidateLatency, time.Since(start))
		}
	}()

	payload, err := a.codec.VerifyAndDecode(tokenStr, jwt.TypeAccess)
	if err != nil {
		a.metricInc(MetricAccessValidateFailure)
		a.emitAudit(ctx, auditEventAccessValidateFailed, false, "", "", string(jwt.TypeAccess), "", err, nil)
		return nil, mapCodecError(err)
	}

	if checkBlacklist {
		if err := a.rejectIfBlacklisted(ctx, payload, jwt.TypeAccess); err != nil {
			a.metricInc(MetricAccessValidateFailure)
			return nil, err
		}
	}

	a.metricInc(MetricAccessValidateSuccess)
	return payload, nil
}

// ValidateRefreshToken verifies signature, expiry, type, and blacklist like
// ValidateAccessToken, and additionally requires a live store record: the
// jti must exist, be active, be unexpired, and match the presented token's
// hash. A correctly signed refresh token unknown to the store is never
// trusted; when reuse of a consumed token is detected and
// [RefreshConfig.RevokeFamilyOnReuse] is set, the whole rotation family is
// revoked before the error is returned.
func (a *Authority) ValidateRefreshToken(ctx context.Context, tokenStr string, checkBlacklist bool) (*TokenClaims, error) {
	if a == nil || a.codec == nil || a.refreshStore == nil {
		return nil, ErrAuthorityNotReady
	}

	payload, err := a.validateRefreshInternal(ctx, tokenStr, checkBlacklist)
	if err != nil {
		a.metricInc(MetricRefreshValidateFailure)
		return nil, err
	}

	// Best effort; a failed stamp must not fail an otherwise valid token.
	_ = a.refreshStore.TouchLastUsed(ctx, payload.JTI, time.Now())

	a.metricInc(MetricRefreshValidateSuccess)
	return payload, nil
}

// RotateRefreshToken exchanges a valid refresh token for a fresh pair. The
// consumed record is marked revoked and the new record is created in one
// atomic store step with parent set to the consumed jti, extending the
// rotation family. Of two concurrent rotations of the same token exactly one
// wins; the loser receives [ErrTokenInvalid].
func (a *Authority) RotateRefreshToken(ctx context.Context, oldToken string, device DeviceInfo) (*TokenPair, error) {
	if a == nil || a.codec == nil || a.refreshStore == nil {
		return nil, ErrAuthorityNotReady
	}

	payload, err := a.validateRefreshInternal(ctx, oldToken, true)
	if err != nil {
		return nil, err
	}

	device = a.fillDeviceFromContext(ctx, device)

	pair, newJTI, err := a.mintPair(payload.Subject, device.DeviceID, payload.Custom)
	if err != nil {
		a.emitAudit(ctx, auditEventIssueFailure, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), device.DeviceID, err, nil)
		return nil, err
	}

	err = a.refreshStore.Rotate(ctx, payload.JTI, refresh.CreateParams{
		JTI:        newJTI,
		UserID:     payload.Subject,
		TokenHash:  internal.HashToken(pair.RefreshToken),
		ExpiresAt:  pair.RefreshTokenExpiresAt,
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		Platform:   device.Platform,
		Browser:    device.Browser,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
		ParentJTI:  payload.JTI,
	})
	if err != nil {
		if errors.Is(err, refresh.ErrRotateConflict) {
			// A concurrent rotation won the consume. The winner's chain is
			// legitimate; the loser's caller gets the theft-presumptive
			// rejection and decides what to escalate.
			a.metricInc(MetricRotateConflict)
			a.emitAudit(ctx, auditEventRotateConflict, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), device.DeviceID, err, nil)
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		a.emitAudit(ctx, auditEventIssueFailure, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), device.DeviceID, err, nil)
		return nil, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	a.metricInc(MetricRotateSuccess)
	a.emitAudit(ctx, auditEventRefreshRotated, true, payload.Subject, newJTI, string(jwt.TypeRefresh), device.DeviceID, nil, func() map[string]string {
		return map[string]string{"parent_jti": payload.JTI}
	})

	return pair, nil
}

func (a *Authority) validateRefreshInternal(ctx context.Context, tokenStr string, checkBlacklist bool) (*TokenClaims, error) {
	payload, err := a.codec.VerifyAndDecode(tokenStr, jwt.TypeRefresh)
	if err != nil {
		a.emitAudit(ctx, auditEventRefreshValidateFailed, false, "", "", string(jwt.TypeRefresh), "", err, nil)
		return nil, mapCodecError(err)
	}

	if checkBlacklist {
		if err := a.rejectIfBlacklisted(ctx, payload, jwt.TypeRefresh); err != nil {
			return nil, err
		}
	}

	record, err := a.refreshStore.FindByJTI(ctx, payload.JTI)
	if err != nil {
		if errors.Is(err, refresh.ErrNotFound) {
			return nil, a.handleRefreshReuse(ctx, payload)
		}
		a.emitAudit(ctx, auditEventRefreshValidateFailed, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), payload.DeviceID, err, nil)
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := time.Now()
	switch {
	case record.Status == refresh.StatusRevoked && record.RevokedReason == refresh.ReasonRotated:
		// The record survived rotation as a lineage marker. The token it
		// belonged to was already exchanged, so this presentation is replay.
		return nil, a.handleRefreshReuse(ctx, payload)
	case record.Status == refresh.StatusRevoked:
		a.emitAudit(ctx, auditEventRefreshValidateFailed, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), payload.DeviceID, ErrTokenInvalid, func() map[string]string {
			return map[string]string{"revoked_reason": record.RevokedReason}
		})
		return nil, fmt.Errorf("%w: refresh record revoked", ErrTokenInvalid)
	case record.Expired(now):
		a.emitAudit(ctx, auditEventRefreshValidateFailed, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), payload.DeviceID, ErrTokenExpired, nil)
		return nil, fmt.Errorf("%w: refresh record expired", ErrTokenExpired)
	case record.TokenHash != internal.HashToken(tokenStr):
		a.emitAudit(ctx, auditEventRefreshValidateFailed, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), payload.DeviceID, ErrTokenInvalid, nil)
		return nil, fmt.Errorf("%w: token hash mismatch", ErrTokenInvalid)
	}

	return payload, nil
}

// handleRefreshReuse runs when a correctly signed, unexpired refresh token
// has no store record or only a consumed marker left behind by a rotation.
// Either the token was forged with a never-issued jti, or it was already
// consumed and is being replayed. Both are rejected; the replay case
// optionally burns the surviving family.
func (a *Authority) handleRefreshReuse(ctx context.Context, payload *TokenClaims) error {
	a.metricInc(MetricReuseDetected)

	revoked := 0
	if a.config.Refresh.RevokeFamilyOnReuse {
		revoked, _ = a.refreshStore.RevokeFamily(ctx, payload.JTI, string(blacklist.ReasonTokenReuse))

		if a.blacklistStore != nil {
			_, _ = a.blacklistStore.Add(ctx, blacklist.Entry{
				JTI:       payload.JTI,
				TokenType: string(jwt.TypeRefresh),
				UserID:    payload.Subject,
				DeviceID:  payload.DeviceID,
				Reason:    blacklist.ReasonTokenReuse,
				ExpiresAt: payload.ExpiresAt,
			})
		}
	}

	a.emitAudit(ctx, auditEventReuseDetected, false, payload.Subject, payload.JTI, string(jwt.TypeRefresh), payload.DeviceID, ErrRefreshReuse, func() map[string]string {
		return map[string]string{"family_revoked": fmt.Sprintf("%d", revoked)}
	})

	return fmt.Errorf("%w: %w", ErrTokenInvalid, ErrRefreshReuse)
}

func (a *Authority) rejectIfBlacklisted(ctx context.Context, payload *TokenClaims, tokenType jwt.TokenType) error {
	if a.blacklistStore == nil {
		return nil
	}

	hit, err := a.blacklistStore.IsBlacklisted(ctx, payload.JTI)
	if err != nil {
		// Fail closed: an unreadable blacklist must not admit tokens.
		a.emitAudit(ctx, auditEventBlacklistHit, false, payload.Subject, payload.JTI, string(tokenType), payload.DeviceID, err, nil)
		return fmt.Errorf("%w: blacklist unavailable", ErrTokenInvalid)
	}
	if hit {
		a.metricInc(MetricBlacklistHit)
		a.emitAudit(ctx, auditEventBlacklistHit, false, payload.Subject, payload.JTI, string(tokenType), payload.DeviceID, ErrTokenInvalid, nil)
		return fmt.Errorf("%w: token blacklisted", ErrTokenInvalid)
	}
	return nil
}

// mintPair signs an access/refresh pair sharing subject, device binding, and
// custom claims. The second return is the refresh token's jti, which becomes
// the store record's key.
func (a *Authority) mintPair(userID, deviceID string, customClaims map[string]string) (*TokenPair, string, error) {
	now := time.Now()

	accessPayload := &jwt.Payload{
		JTI:      internal.NewJTI(),
		Subject:  userID,
		DeviceID: deviceID,
		IssuedAt: now,
		Custom:   customClaims,
	}
	accessToken, err := a.codec.Sign(accessPayload, jwt.TypeAccess)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	refreshPayload := &jwt.Payload{
		JTI:      internal.NewJTI(),
		Subject:  userID,
		DeviceID: deviceID,
		IssuedAt: now,
		Custom:   customClaims,
	}
	refreshToken, err := a.codec.Sign(refreshPayload, jwt.TypeRefresh)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          refreshToken,
		AccessTokenExpiresAt:  now.Add(a.codec.TTL(jwt.TypeAccess)),
		RefreshTokenExpiresAt: now.Add(a.codec.TTL(jwt.TypeRefresh)),
	}, refreshPayload.JTI, nil
}

func (a *Authority) fillDeviceFromContext(ctx context.Context, device DeviceInfo) DeviceInfo {
	if device.IPAddress == "" {
		device.IPAddress = clientIPFromContext(ctx)
	}
	if device.UserAgent == "" {
		device.UserAgent = userAgentFromContext(ctx)
	}
	return device
}

func mapCodecError(err error) error {
	if errors.Is(err, jwt.ErrExpiredToken) {
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}
