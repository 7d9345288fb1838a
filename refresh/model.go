package refresh

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a jti.
	ErrNotFound = errors.New("refresh record not found")
	// ErrDuplicate is returned by Create when the jti already has a record.
	// Callers treat it as a control-flow signal, not a fatal error.
	ErrDuplicate = errors.New("refresh record already exists")
	// ErrRotateConflict is returned when the record being consumed by a
	// rotation no longer exists. Exactly one of two concurrent rotations of
	// the same jti receives the record; the other receives this error.
	ErrRotateConflict = errors.New("refresh record already consumed")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("refresh store unavailable")
)

// Status is the lifecycle state of a refresh-token record. Deleted records
// have no status; they are simply gone.
type Status string

const (
	// StatusActive marks records usable for rotation.
	StatusActive Status = "active"
	// StatusRevoked is terminal.
	StatusRevoked Status = "revoked"
)

// ReasonRotated is the revocation reason stamped on records consumed by a
// rotation on backends that retain consumed rows for lineage. A revoked
// record carrying this reason means the token was exchanged, not banned;
// presenting it again is replay.
const ReasonRotated = "rotated"

// Record is a persisted refresh token. The raw token is never stored, only
// its hash. ParentJTI references the record this one was rotated from; the
// reference is by value, so deleting the parent never dangles.
type Record struct {
	JTI           string    `json:"jti"`
	UserID        string    `json:"user_id"`
	TokenHash     string    `json:"token_hash"`
	Status        Status    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	Browser       string    `json:"browser,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	RevokedReason string    `json:"revoked_reason,omitempty"`
	RevokedAt     time.Time `json:"revoked_at,omitzero"`
	ParentJTI     string    `json:"parent_jti,omitempty"`
	LastUsedAt    time.Time `json:"last_used_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Expired reports whether the record's own expiry has lapsed.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Usable reports whether the record is active and unexpired.
func (r *Record) Usable(now time.Time) bool {
	return r.Status == StatusActive && !r.Expired(now)
}

// CreateParams carries everything needed to persist a new record. Device
// fields are denormalized so the store never depends on caller types.
type CreateParams struct {
	JTI        string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	DeviceID   string
	DeviceName string
	Platform   string
	Browser    string
	UserAgent  string
	IPAddress  string
	ParentJTI  string
}

// Stats summarizes a user's records.
type Stats struct {
	Total   int
	Active  int
	Expired int
	Revoked int
}

// SystemStats additionally reports distinct users and devices.
type SystemStats struct {
	Stats
	UniqueUsers   int
	UniqueDevices int
}

func newRecord(params CreateParams, now time.Time) *Record {
	return &Record{
		JTI:        params.JTI,
		UserID:     params.UserID,
		TokenHash:  params.TokenHash,
		Status:     StatusActive,
		ExpiresAt:  params.ExpiresAt,
		DeviceID:   params.DeviceID,
		DeviceName: params.DeviceName,
		Platform:   params.Platform,
		Browser:    params.Browser,
		UserAgent:  params.UserAgent,
		IPAddress:  params.IPAddress,
		ParentJTI:  params.ParentJTI,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func encodeRecord(record *Record) ([]byte, error) {
	return json.Marshal(record)
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func tally(records []*Record, now time.Time) Stats {
	var stats Stats
	for _, record := range records {
		stats.Total++
		switch {
		case record.Status == StatusRevoked:
			stats.Revoked++
		case record.Expired(now):
			stats.Expired++
		default:
			stats.Active++
		}
	}
	return stats
}
