package tokenward

import "errors"

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, blacklisted
	// jtis, wrong token types, and refresh tokens unknown to the store. It is
	// always the 401-equivalent answer and is never retried.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is kept distinct from ErrTokenInvalid so callers can
	// prompt "log in again" instead of treating the token as tampered.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenGeneration wraps signing or persistence failures during
	// issuance and rotation.
	ErrTokenGeneration = errors.New("token generation failed")
	// ErrRefreshReuse reports presentation of a refresh token that was
	// already consumed by a rotation. Upstream should treat it as a
	// presumptive token-theft signal.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrAuthorityNotReady is returned when an Authority method is called on
	// a nil or incompletely built instance.
	ErrAuthorityNotReady = errors.New("authority not initialized")
)
