package tokenward

import (
	"database/sql"
	"errors"

	"github.com/hexavault/tokenward/blacklist"
	internalaudit "github.com/hexavault/tokenward/internal/audit"
	"github.com/hexavault/tokenward/jwt"
	"github.com/hexavault/tokenward/refresh"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Authority]. Exactly one storage backend must be
// supplied: a Redis client, a SQLite handle, or explicit store
// implementations.
type Builder struct {
	config Config

	redis  redis.UniversalClient
	sqlite *sql.DB

	refreshStore   RefreshTokenStore
	blacklistStore BlacklistStore

	auditSink AuditSink

	built bool
}

// New returns a Builder primed with defaults.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis selects Redis-backed stores on the given client.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSQLite selects SQL-backed stores on the given handle. The schema is
// created at Build time if missing.
func (b *Builder) WithSQLite(db *sql.DB) *Builder {
	b.sqlite = db
	return b
}

// WithStores supplies custom store implementations, bypassing the built-in
// backends. Either argument may be nil to fall back to the selected backend
// for that store.
func (b *Builder) WithStores(refreshStore RefreshTokenStore, blacklistStore BlacklistStore) *Builder {
	b.refreshStore = refreshStore
	b.blacklistStore = blacklistStore
	return b
}

// WithAuditSink sets the sink receiving audit events. Audit must also be
// enabled in [AuditConfig] for events to flow.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validation latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the stores, and returns a ready
// [Authority]. The Builder is single-use.
func (b *Builder) Build() (*Authority, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	refreshStore := b.refreshStore
	blacklistStore := b.blacklistStore

	if refreshStore == nil || blacklistStore == nil {
		switch {
		case b.redis != nil && b.sqlite != nil:
			return nil, errors.New("choose one backend: redis or sqlite")
		case b.redis != nil:
			if refreshStore == nil {
				refreshStore = refresh.NewRedisStore(b.redis, cfg.Refresh.RedisPrefix, cfg.Refresh.Retention)
			}
			if blacklistStore == nil {
				blacklistStore = blacklist.NewRedisStore(b.redis, cfg.Blacklist.RedisPrefix)
			}
		case b.sqlite != nil:
			if refreshStore == nil {
				store, err := refresh.NewSQLiteStore(b.sqlite)
				if err != nil {
					return nil, err
				}
				refreshStore = store
			}
			if blacklistStore == nil {
				store, err := blacklist.NewSQLiteStore(b.sqlite)
				if err != nil {
					return nil, err
				}
				blacklistStore = store
			}
		default:
			return nil, errors.New("storage backend required: redis client, sqlite handle, or explicit stores")
		}
	}

	codec, err := jwt.NewCodec(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		RequireIAT:    cfg.JWT.RequireIAT,
		MaxFutureIAT:  cfg.JWT.MaxFutureIAT,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	authority := &Authority{
		config:         cfg,
		codec:          codec,
		refreshStore:   refreshStore,
		blacklistStore: blacklistStore,
		metrics:        NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
	}

	b.built = true

	return authority, nil
}
