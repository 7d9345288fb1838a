package internal

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewJTI returns a fresh token identifier. Collisions are treated as
// impossible; the stores still enforce jti uniqueness as a backstop.
func NewJTI() string {
	return uuid.NewString()
}

// HashToken returns the hex-encoded SHA-256 digest of a raw token string.
// Stores persist only this digest, never the raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
