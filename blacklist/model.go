package blacklist

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a jti.
	ErrNotFound = errors.New("blacklist entry not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("blacklist store unavailable")
)

// Reason enumerates why a token was blacklisted. The classification methods
// drive the Stats split into security-, user-, and system-initiated counts.
type Reason string

const (
	ReasonLogout             Reason = "logout"
	ReasonManualRevocation   Reason = "manual_revocation"
	ReasonSecurityBreach     Reason = "security_breach"
	ReasonSuspiciousActivity Reason = "suspicious_activity"
	ReasonDeviceLost         Reason = "device_lost"
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonTokenReuse         Reason = "token_reuse"
)

// SecurityRelated reports whether the reason signals an attack rather than a
// routine lifecycle event.
func (r Reason) SecurityRelated() bool {
	switch r {
	case ReasonSecurityBreach, ReasonSuspiciousActivity, ReasonInvalidSignature, ReasonTokenReuse:
		return true
	}
	return false
}

// UserInitiated reports whether the entry originates from a user action.
func (r Reason) UserInitiated() bool {
	return r == ReasonLogout || r == ReasonDeviceLost
}

// Entry marks one jti (of either token type) as unusable until its own
// expiry lapses. ExpiresAt mirrors the underlying token's expiry, or a
// bounded synthetic expiry for bulk revocations, so the blacklist never
// grows unbounded.
type Entry struct {
	JTI           string            `json:"jti"`
	TokenType     string            `json:"token_type"`
	UserID        string            `json:"user_id,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	Reason        Reason            `json:"reason"`
	ExpiresAt     time.Time         `json:"expires_at"`
	BlacklistedAt time.Time         `json:"blacklisted_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the entry's own TTL has lapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Stats summarizes blacklist contents.
type Stats struct {
	Total           int
	ByTokenType     map[string]int
	ByReason        map[Reason]int
	SecurityRelated int
	UserInitiated   int
	SystemInitiated int
}

// SizeInfo is a point-in-time size estimate used by retention policies.
type SizeInfo struct {
	Entries     int
	ApproxBytes int64
}

// OptimizeResult reports the work done by Optimize.
type OptimizeResult struct {
	Removed int
	Elapsed time.Duration
}

func encodeEntry(entry *Entry) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func tallyStats(entries []*Entry) Stats {
	stats := Stats{
		ByTokenType: make(map[string]int),
		ByReason:    make(map[Reason]int),
	}
	for _, entry := range entries {
		stats.Total++
		stats.ByTokenType[entry.TokenType]++
		stats.ByReason[entry.Reason]++
		switch {
		case entry.Reason.SecurityRelated():
			stats.SecurityRelated++
		case entry.Reason.UserInitiated():
			stats.UserInitiated++
		default:
			stats.SystemInitiated++
		}
	}
	return stats
}
