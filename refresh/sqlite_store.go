package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const refreshSchema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	jti            TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	token_hash     TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	expires_at     INTEGER NOT NULL,
	device_id      TEXT NOT NULL DEFAULT '',
	device_name    TEXT NOT NULL DEFAULT '',
	platform       TEXT NOT NULL DEFAULT '',
	browser        TEXT NOT NULL DEFAULT '',
	user_agent     TEXT NOT NULL DEFAULT '',
	ip_address     TEXT NOT NULL DEFAULT '',
	revoked_reason TEXT NOT NULL DEFAULT '',
	revoked_at     INTEGER,
	parent_jti     TEXT,
	last_used_at   INTEGER,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_device ON refresh_tokens(user_id, device_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_parent ON refresh_tokens(parent_jti);
`

const recordColumns = `jti, user_id, token_hash, status, expires_at,
	device_id, device_name, platform, browser, user_agent, ip_address,
	revoked_reason, revoked_at, parent_jti, last_used_at, created_at, updated_at`

// SQLiteStore is a SQL-backed refresh-token record store. Unlike the Redis
// backend it offers true transactional batches and recursive family
// traversal via a recursive CTE.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and ensures its schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(refreshSchema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new active record. Returns ErrDuplicate when the jti is
// already taken.
func (s *SQLiteStore) Create(ctx context.Context, params CreateParams) error {
	return s.insert(ctx, s.db, params, time.Now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insert(ctx context.Context, db execer, params CreateParams, now time.Time) error {
	var parent any
	if params.ParentJTI != "" {
		parent = params.ParentJTI
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			jti, user_id, token_hash, status, expires_at,
			device_id, device_name, platform, browser, user_agent, ip_address,
			parent_jti, created_at, updated_at
		) VALUES (?, ?, ?, 'active', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.JTI, params.UserID, params.TokenHash, params.ExpiresAt.Unix(),
		params.DeviceID, params.DeviceName, params.Platform, params.Browser,
		params.UserAgent, params.IPAddress,
		parent, now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Rotate consumes the record identified by oldJTI and creates its child in a
// single transaction, so a crash between the two steps cannot apply one
// without the other. Exactly one of two concurrent rotations of the same jti
// succeeds; the loser receives ErrRotateConflict.
//
// The consumed row is kept, marked revoked with ReasonRotated, rather than
// deleted: the family CTE traverses parent_jti links, and a deleted
// intermediate row would sever the chain between the root and later
// generations. CleanupRevokedOlderThan reclaims consumed rows.
func (s *SQLiteStore) Rotate(ctx context.Context, oldJTI string, params CreateParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET status = 'revoked', revoked_reason = ?, revoked_at = ?, updated_at = ?
		WHERE jti = ? AND status = 'active'`,
		ReasonRotated, now.Unix(), now.Unix(), oldJTI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return ErrRotateConflict
	}

	if err := s.insert(ctx, tx, params, time.Now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FindByJTI returns the record for a jti, or ErrNotFound.
func (s *SQLiteStore) FindByJTI(ctx context.Context, jti string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM refresh_tokens WHERE jti = ?`, jti)
	return scanRecord(row)
}

// FindByUser returns a user's records, newest first. Expired records are
// filtered out unless includeExpired is set.
func (s *SQLiteStore) FindByUser(ctx context.Context, userID string, includeExpired bool) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM refresh_tokens WHERE user_id = ?`
	args := []any{userID}
	if !includeExpired {
		query += ` AND expires_at > ?`
		args = append(args, time.Now().Unix())
	}
	query += ` ORDER BY created_at DESC, jti DESC`

	return s.queryRecords(ctx, query, args...)
}

// FindByUserAndDevice returns the records bound to one device of a user,
// newest first.
func (s *SQLiteStore) FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM refresh_tokens
		 WHERE user_id = ? AND device_id = ?
		 ORDER BY created_at DESC, jti DESC`,
		userID, deviceID)
}

// TouchLastUsed stamps the record's last-use time.
func (s *SQLiteStore) TouchLastUsed(ctx context.Context, jti string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET last_used_at = ?, updated_at = ? WHERE jti = ?`,
		at.Unix(), at.Unix(), jti)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks a record revoked. Returns false without error when the record
// was missing or already revoked.
func (s *SQLiteStore) Revoke(ctx context.Context, jti, reason string) (bool, error) {
	return s.revokeWith(ctx, s.db, jti, reason, time.Now())
}

func (s *SQLiteStore) revokeWith(ctx context.Context, db execer, jti, reason string, now time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET status = 'revoked', revoked_reason = ?, revoked_at = ?, updated_at = ?
		WHERE jti = ? AND status = 'active'`,
		reason, now.Unix(), now.Unix(), jti)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affected > 0, nil
}

// RevokeAllForUser revokes every currently-active, unexpired record of a
// user, skipping excludeJTI when non-empty.
func (s *SQLiteStore) RevokeAllForUser(ctx context.Context, userID, reason, excludeJTI string) (int, error) {
	now := time.Now()
	query := `
		UPDATE refresh_tokens
		SET status = 'revoked', revoked_reason = ?, revoked_at = ?, updated_at = ?
		WHERE user_id = ? AND status = 'active' AND expires_at > ?`
	args := []any{reason, now.Unix(), now.Unix(), userID, now.Unix()}
	if excludeJTI != "" {
		query += ` AND jti != ?`
		args = append(args, excludeJTI)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affectedCount(result)
}

// RevokeAllForDevice revokes every currently-active record bound to one
// device of a user.
func (s *SQLiteStore) RevokeAllForDevice(ctx context.Context, userID, deviceID, reason string) (int, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET status = 'revoked', revoked_reason = ?, revoked_at = ?, updated_at = ?
		WHERE user_id = ? AND device_id = ? AND status = 'active' AND expires_at > ?`,
		reason, now.Unix(), now.Unix(), userID, deviceID, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affectedCount(result)
}

// Delete hard-removes a record. Returns whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, jti string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE jti = ?`, jti)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affected > 0, nil
}

// IsRevoked reports whether the record is revoked. Fails closed on lookup
// failure.
func (s *SQLiteStore) IsRevoked(ctx context.Context, jti string) bool {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false
		}
		return true
	}
	return record.Status == StatusRevoked
}

// IsExpired reports whether the record is expired. A missing record is
// treated as expired.
func (s *SQLiteStore) IsExpired(ctx context.Context, jti string) bool {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		return true
	}
	return record.Expired(time.Now())
}

// IsValid reports whether the record is active and unexpired. Fails closed.
func (s *SQLiteStore) IsValid(ctx context.Context, jti string) bool {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		return false
	}
	return record.Usable(time.Now())
}

// Family returns the record for rootJTI plus its transitive rotation
// descendants via a depth-capped recursive CTE, root first.
func (s *SQLiteStore) Family(ctx context.Context, rootJTI string) ([]*Record, error) {
	return s.queryRecords(ctx, `
		WITH RECURSIVE family(jti, depth) AS (
			SELECT ?, 0
			UNION
			SELECT r.jti, f.depth + 1
			FROM refresh_tokens r
			JOIN family f ON r.parent_jti = f.jti
			WHERE f.depth < ?
		)
		SELECT `+recordColumns+`
		FROM refresh_tokens
		WHERE jti IN (SELECT jti FROM family)
		ORDER BY created_at, jti`,
		rootJTI, familyDepthCap)
}

// RevokeFamily revokes every active member of the family rooted at rootJTI
// in one transaction.
func (s *SQLiteStore) RevokeFamily(ctx context.Context, rootJTI, reason string) (int, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE family(jti, depth) AS (
			SELECT ?, 0
			UNION
			SELECT r.jti, f.depth + 1
			FROM refresh_tokens r
			JOIN family f ON r.parent_jti = f.jti
			WHERE f.depth < ?
		)
		UPDATE refresh_tokens
		SET status = 'revoked', revoked_reason = ?, revoked_at = ?, updated_at = ?
		WHERE status = 'active' AND jti IN (SELECT jti FROM family)`,
		rootJTI, familyDepthCap, reason, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affectedCount(result)
}

// BatchCreate inserts every item inside one transaction. Duplicate jtis are
// skipped; any other failure rolls the whole batch back.
func (s *SQLiteStore) BatchCreate(ctx context.Context, items []CreateParams) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	created := 0
	for _, params := range items {
		err := s.insert(ctx, tx, params, now)
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicate):
		default:
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return created, nil
}

// BatchRevoke revokes each listed jti inside one transaction; a failure
// rolls the whole batch back.
func (s *SQLiteStore) BatchRevoke(ctx context.Context, jtis []string, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	revoked := 0
	for _, jti := range jtis {
		changed, err := s.revokeWith(ctx, tx, jti, reason, now)
		if err != nil {
			return 0, err
		}
		if changed {
			revoked++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return revoked, nil
}

// CleanupExpired deletes records whose expiry precedes before (now when
// zero).
func (s *SQLiteStore) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affectedCount(result)
}

// CleanupRevokedOlderThan deletes records revoked more than the given number
// of days ago.
func (s *SQLiteStore) CleanupRevokedOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE status = 'revoked' AND revoked_at IS NOT NULL AND revoked_at < ?`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affectedCount(result)
}

// UserStats tallies a user's records by state.
func (s *SQLiteStore) UserStats(ctx context.Context, userID string) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'active' AND expires_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'revoked' AND expires_at <= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'revoked' THEN 1 ELSE 0 END)
		FROM refresh_tokens WHERE user_id = ?`,
		time.Now().Unix(), time.Now().Unix(), userID)

	var stats Stats
	var active, expired, revoked sql.NullInt64
	if err := row.Scan(&stats.Total, &active, &expired, &revoked); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stats.Active = int(active.Int64)
	stats.Expired = int(expired.Int64)
	stats.Revoked = int(revoked.Int64)
	return stats, nil
}

// SystemStats tallies every record plus distinct users and devices.
func (s *SQLiteStore) SystemStats(ctx context.Context) (SystemStats, error) {
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'active' AND expires_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'revoked' AND expires_at <= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'revoked' THEN 1 ELSE 0 END),
			COUNT(DISTINCT user_id),
			COUNT(DISTINCT CASE WHEN device_id != '' THEN device_id END)
		FROM refresh_tokens`,
		now, now)

	var stats SystemStats
	var active, expired, revoked sql.NullInt64
	if err := row.Scan(&stats.Total, &active, &expired, &revoked, &stats.UniqueUsers, &stats.UniqueDevices); err != nil {
		return SystemStats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stats.Active = int(active.Int64)
	stats.Expired = int(expired.Int64)
	stats.Revoked = int(revoked.Int64)
	return stats, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record     Record
		status     string
		expiresAt  int64
		revokedAt  sql.NullInt64
		parentJTI  sql.NullString
		lastUsedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)

	err := row.Scan(
		&record.JTI, &record.UserID, &record.TokenHash, &status, &expiresAt,
		&record.DeviceID, &record.DeviceName, &record.Platform, &record.Browser,
		&record.UserAgent, &record.IPAddress,
		&record.RevokedReason, &revokedAt, &parentJTI, &lastUsedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	record.Status = Status(status)
	record.ExpiresAt = time.Unix(expiresAt, 0)
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)
	if revokedAt.Valid {
		record.RevokedAt = time.Unix(revokedAt.Int64, 0)
	}
	if parentJTI.Valid {
		record.ParentJTI = parentJTI.String
	}
	if lastUsedAt.Valid {
		record.LastUsedAt = time.Unix(lastUsedAt.Int64, 0)
	}
	return &record, nil
}

func affectedCount(result sql.Result) (int, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
