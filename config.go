package tokenward

import (
	"errors"
	"time"
)

// Config is the complete authority configuration. Instances are configured
// during initialization and then treated as immutable.
type Config struct {
	JWT       JWTConfig
	Refresh   RefreshConfig
	Blacklist BlacklistConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig carries signing key material and claim validation policy.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls the refresh-token record store and rotation policy.
type RefreshConfig struct {
	// RedisPrefix namespaces refresh-record keys on the Redis backend.
	RedisPrefix string
	// Retention keeps expired records queryable for stats and cleanup on the
	// Redis backend before their keys lapse.
	Retention time.Duration
	// RevokeFamilyOnReuse revokes the whole rotation family and blacklists
	// the presented jti when an already-consumed refresh token is presented
	// again. Reuse of a consumed token is a presumptive theft signal.
	RevokeFamilyOnReuse bool
}

/*
====================================
BLACKLIST CONFIG
====================================
*/

// BlacklistConfig controls the denylist store.
type BlacklistConfig struct {
	// RedisPrefix namespaces blacklist keys on the Redis backend.
	RedisPrefix string
	// BulkEntryTTL bounds the synthetic expiry of entries created by bulk
	// revocation (per-user, per-device), so the blacklist cannot grow
	// unbounded even when token expiries are unknown.
	BulkEntryTTL time.Duration
	// MaxEntries is the soft cap reported by size checks. Zero disables the
	// check.
	MaxEntries int
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls the in-process metrics system.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Leeway:        0,
			MaxFutureIAT:  10 * time.Minute,
		},
		Refresh: RefreshConfig{
			RedisPrefix:         "rt",
			Retention:           30 * 24 * time.Hour,
			RevokeFamilyOnReuse: true,
		},
		Blacklist: BlacklistConfig{
			RedisPrefix:  "bl",
			BulkEntryTTL: 24 * time.Hour,
			MaxEntries:   0,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if len(cfg.JWT.VerifyKeys) > 0 {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration for internal consistency. Key material is
// validated in depth by the codec at build time; this pass catches shape
// errors early with readable messages.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must not be shorter than AccessTTL")
	}

	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}

	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
		return errors.New("ed25519 requires PublicKey or VerifyKeys")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}

	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2 minutes")
	}
	if c.JWT.MaxFutureIAT < 0 || c.JWT.MaxFutureIAT > 24*time.Hour {
		return errors.New("JWT MaxFutureIAT must be between 0 and 24 hours")
	}

	// Refresh
	if c.Refresh.Retention < 0 {
		return errors.New("Refresh Retention must be >= 0")
	}

	// Blacklist
	if c.Blacklist.BulkEntryTTL <= 0 {
		return errors.New("Blacklist BulkEntryTTL must be > 0")
	}
	if c.Blacklist.MaxEntries < 0 {
		return errors.New("Blacklist MaxEntries must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
