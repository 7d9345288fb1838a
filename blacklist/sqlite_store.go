package blacklist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const blacklistSchema = `
CREATE TABLE IF NOT EXISTS token_blacklist (
	jti            TEXT PRIMARY KEY,
	token_type     TEXT NOT NULL,
	user_id        TEXT NOT NULL DEFAULT '',
	device_id      TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL,
	expires_at     INTEGER NOT NULL,
	blacklisted_at INTEGER NOT NULL,
	metadata       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_user ON token_blacklist(user_id);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_device ON token_blacklist(device_id);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_reason ON token_blacklist(reason);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_expires ON token_blacklist(expires_at);
`

const entryColumns = `jti, token_type, user_id, device_id, reason,
	expires_at, blacklisted_at, metadata`

// SQLiteStore is a SQL-backed blacklist. Expired rows are excluded from every
// lookup but linger on disk until Cleanup or Optimize removes them.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and ensures its schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(blacklistSchema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Add inserts an entry. Returns false when the jti was already present;
// duplicates are a no-op, never an error. Entries already expired are
// silently not inserted.
func (s *SQLiteStore) Add(ctx context.Context, entry Entry) (bool, error) {
	return s.insert(ctx, s.db, entry, time.Now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insert(ctx context.Context, db execer, entry Entry, now time.Time) (bool, error) {
	if !entry.ExpiresAt.After(now) {
		return false, nil
	}
	if entry.BlacklistedAt.IsZero() {
		entry.BlacklistedAt = now
	}

	metadata := ""
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return false, err
		}
		metadata = string(data)
	}

	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO token_blacklist (
			jti, token_type, user_id, device_id, reason,
			expires_at, blacklisted_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JTI, entry.TokenType, entry.UserID, entry.DeviceID, string(entry.Reason),
		entry.ExpiresAt.Unix(), entry.BlacklistedAt.Unix(), metadata,
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affected > 0, nil
}

// IsBlacklisted reports whether the jti currently has an unexpired entry.
func (s *SQLiteStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM token_blacklist WHERE jti = ? AND expires_at > ?`,
		jti, time.Now().Unix())

	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Remove deletes an entry before its natural expiry. Returns whether it
// existed.
func (s *SQLiteStore) Remove(ctx context.Context, jti string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM token_blacklist WHERE jti = ?`, jti)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return affected > 0, nil
}

// FindByJTI returns the unexpired entry for a jti, or ErrNotFound.
func (s *SQLiteStore) FindByJTI(ctx context.Context, jti string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM token_blacklist WHERE jti = ? AND expires_at > ?`,
		jti, time.Now().Unix())
	return scanEntry(row)
}

// FindByUser returns the user's unexpired entries, newest first.
func (s *SQLiteStore) FindByUser(ctx context.Context, userID string) ([]*Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM token_blacklist
		 WHERE user_id = ? AND expires_at > ?
		 ORDER BY blacklisted_at DESC, jti DESC`,
		userID, time.Now().Unix())
}

// FindByDevice returns the device's unexpired entries, newest first.
func (s *SQLiteStore) FindByDevice(ctx context.Context, deviceID string) ([]*Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM token_blacklist
		 WHERE device_id = ? AND expires_at > ?
		 ORDER BY blacklisted_at DESC, jti DESC`,
		deviceID, time.Now().Unix())
}

// FindByReason returns unexpired entries sharing a reason, newest first.
func (s *SQLiteStore) FindByReason(ctx context.Context, reason Reason) ([]*Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM token_blacklist
		 WHERE reason = ? AND expires_at > ?
		 ORDER BY blacklisted_at DESC, jti DESC`,
		string(reason), time.Now().Unix())
}

// BatchAdd inserts every entry inside one transaction, tolerating duplicates,
// and returns the number actually added. Any other failure rolls the whole
// batch back.
func (s *SQLiteStore) BatchAdd(ctx context.Context, entries []Entry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	added := 0
	for _, entry := range entries {
		ok, err := s.insert(ctx, tx, entry, now)
		if err != nil {
			return 0, err
		}
		if ok {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return added, nil
}

// BatchIsBlacklisted checks many jtis in one query.
func (s *SQLiteStore) BatchIsBlacklisted(ctx context.Context, jtis []string) (map[string]bool, error) {
	result := make(map[string]bool, len(jtis))
	if len(jtis) == 0 {
		return result, nil
	}

	query := `SELECT jti FROM token_blacklist WHERE expires_at > ? AND jti IN (?`
	args := []any{time.Now().Unix(), jtis[0]}
	for _, jti := range jtis[1:] {
		query += `, ?`
		args = append(args, jti)
	}
	query += `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for _, jti := range jtis {
		result[jti] = false
	}
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		result[jti] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

// BatchRemove deletes each listed jti inside one transaction and returns the
// number removed.
func (s *SQLiteStore) BatchRemove(ctx context.Context, jtis []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	for _, jti := range jtis {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM token_blacklist WHERE jti = ?`, jti)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		removed += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

// Cleanup deletes entries expiring before the given time (now when zero).
func (s *SQLiteStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM token_blacklist WHERE expires_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(affected), nil
}

// CleanupOlderThan deletes entries blacklisted more than the given number of
// days ago regardless of their own expiry.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM token_blacklist WHERE blacklisted_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(affected), nil
}

// Stats tallies unexpired entries by token type and reason.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM token_blacklist WHERE expires_at > ?`,
		time.Now().Unix())
	if err != nil {
		return Stats{}, err
	}
	return tallyStats(entries), nil
}

// SizeInfo reports entry count and approximate storage bytes.
func (s *SQLiteStore) SizeInfo(ctx context.Context) (SizeInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(
				LENGTH(jti) + LENGTH(token_type) + LENGTH(user_id) +
				LENGTH(device_id) + LENGTH(reason) + LENGTH(metadata) + 16
			), 0)
		FROM token_blacklist`)

	var info SizeInfo
	if err := row.Scan(&info.Entries, &info.ApproxBytes); err != nil {
		return SizeInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return info, nil
}

// IsSizeExceeded reports whether the entry count exceeds maxEntries.
func (s *SQLiteStore) IsSizeExceeded(ctx context.Context, maxEntries int) (bool, error) {
	info, err := s.SizeInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.Entries > maxEntries, nil
}

// Optimize deletes expired rows and compacts the database file, reporting the
// work done and its duration.
func (s *SQLiteStore) Optimize(ctx context.Context) (OptimizeResult, error) {
	start := time.Now()

	removed, err := s.Cleanup(ctx, time.Time{})
	if err != nil {
		return OptimizeResult{}, err
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return OptimizeResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return OptimizeResult{
		Removed: removed,
		Elapsed: time.Since(start),
	}, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry         Entry
		reason        string
		expiresAt     int64
		blacklistedAt int64
		metadata      string
	)

	err := row.Scan(
		&entry.JTI, &entry.TokenType, &entry.UserID, &entry.DeviceID, &reason,
		&expiresAt, &blacklistedAt, &metadata,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entry.Reason = Reason(reason)
	entry.ExpiresAt = time.Unix(expiresAt, 0)
	entry.BlacklistedAt = time.Unix(blacklistedAt, 0)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}
