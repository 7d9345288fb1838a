package tokenward

import (
	"context"
	"errors"
	"time"

	"github.com/hexavault/tokenward/blacklist"
	"github.com/hexavault/tokenward/jwt"
	"github.com/hexavault/tokenward/refresh"
)

const (
	auditEventPairIssued            = "token_pair_issued"
	auditEventIssueFailure          = "token_issue_failure"
	auditEventAccessValidateFailed  = "access_validate_failed"
	auditEventRefreshValidateFailed = "refresh_validate_failed"
	auditEventRefreshRotated        = "refresh_rotated"
	auditEventRotateConflict        = "refresh_rotate_conflict"
	auditEventReuseDetected         = "refresh_reuse_detected"
	auditEventTokenRevoked          = "token_revoked"
	auditEventUserTokensRevoked     = "user_tokens_revoked"
	auditEventDeviceTokensRevoked   = "device_tokens_revoked"
	auditEventFamilyRevoked         = "token_family_revoked"
	auditEventBlacklistHit          = "blacklist_hit"
	auditEventCleanupRun            = "cleanup_run"
)

// AuditErrorCode is the normalized error label stamped into audit events.
type AuditErrorCode string

const (
	auditErrInvalidToken   AuditErrorCode = "invalid_token"
	auditErrExpiredToken   AuditErrorCode = "expired_token"
	auditErrSigningFailed  AuditErrorCode = "signing_failed"
	auditErrGeneration     AuditErrorCode = "generation_failed"
	auditErrReuse          AuditErrorCode = "refresh_reuse"
	auditErrRotateConflict AuditErrorCode = "rotate_conflict"
	auditErrNotFound       AuditErrorCode = "not_found"
	auditErrUnavailable    AuditErrorCode = "backend_unavailable"
	auditErrInternal       AuditErrorCode = "internal_error"
)

func (a *Authority) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	jti string,
	tokenType string,
	deviceID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if a == nil || a.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		JTI:       jti,
		TokenType: tokenType,
		DeviceID:  deviceID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	a.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRefreshReuse):
		return auditErrReuse
	case errors.Is(err, refresh.ErrRotateConflict):
		return auditErrRotateConflict
	case errors.Is(err, ErrTokenExpired),
		errors.Is(err, jwt.ErrExpiredToken):
		return auditErrExpiredToken
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, jwt.ErrInvalidToken):
		return auditErrInvalidToken
	case errors.Is(err, jwt.ErrSigningFailed):
		return auditErrSigningFailed
	case errors.Is(err, ErrTokenGeneration):
		return auditErrGeneration
	case errors.Is(err, refresh.ErrNotFound),
		errors.Is(err, blacklist.ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, refresh.ErrUnavailable),
		errors.Is(err, blacklist.ErrUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
