package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// familyDepthCap bounds traversal cost on pathological rotation chains.
	familyDepthCap = 100

	// defaultRetention keeps expired/revoked records queryable before the
	// backing key's TTL removes them.
	defaultRetention = 30 * 24 * time.Hour

	scanBatchSize = 1000
)

// createScript inserts a record only when the jti is unused, and maintains
// the user/device/children index sets in the same atomic step. The children
// index key is appended to KEYS only when the record has a parent.
const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[3])
if #KEYS >= 4 then
  redis.call("SADD", KEYS[4], ARGV[3])
end
return 1
`

var createLua = redis.NewScript(createScript)

// rotateScript consumes the old record and writes its child in one atomic
// step. The consumed record is not deleted: it is rewritten in place as a
// revoked marker (reason "rotated") keeping its TTL, so family traversal
// still sees the full chain and a replay of the old token hits the marker.
// The in-script status check guarantees a single winner and means a
// revocation landing between the caller's validation and this script is
// honored, not overwritten.
const rotateScript = `
local old = redis.call("GET", KEYS[1])
if not old then
  return 0
end
local rec = cjson.decode(old)
if rec["status"] ~= "active" then
  return 0
end
rec["status"] = "revoked"
rec["revoked_reason"] = ARGV[4]
rec["revoked_at"] = ARGV[5]
rec["updated_at"] = ARGV[5]
redis.call("SET", KEYS[1], cjson.encode(rec), "KEEPTTL")
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[3], ARGV[3])
redis.call("SADD", KEYS[4], ARGV[3])
redis.call("SADD", KEYS[5], ARGV[3])
return 1
`

var rotateLua = redis.NewScript(rotateScript)

// deleteScript removes a record and its index memberships atomically and
// reports whether the record existed.
const deleteScript = `
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
return existed
`

var deleteLua = redis.NewScript(deleteScript)

// RedisStore is a Redis-backed refresh-token record store. Records are JSON
// blobs with a TTL of expiry plus a retention window; user, device, and
// rotation-children memberships are tracked in index sets.
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a refresh-token store on the given client. prefix
// namespaces all keys (default "rt"); retention controls how long expired
// records stay queryable (default 30 days).
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "rt"
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisStore{
		redis:     client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *RedisStore) recordKey(jti string) string {
	return s.prefix + ":rec:" + jti
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + ":user:" + userID
}

func (s *RedisStore) deviceKey(userID, deviceID string) string {
	return s.prefix + ":dev:" + userID + ":" + deviceID
}

func (s *RedisStore) childrenKey(jti string) string {
	return s.prefix + ":child:" + jti
}

func (s *RedisStore) recordTTL(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create persists a new active record. Returns ErrDuplicate when the jti is
// already taken.
func (s *RedisStore) Create(ctx context.Context, params CreateParams) error {
	now := time.Now()
	record := newRecord(params, now)
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	keys := []string{
		s.recordKey(params.JTI),
		s.userKey(params.UserID),
		s.deviceKey(params.UserID, params.DeviceID),
	}
	if params.ParentJTI != "" {
		keys = append(keys, s.childrenKey(params.ParentJTI))
	}

	created, err := createLua.Run(ctx, s.redis, keys,
		data,
		s.recordTTL(params.ExpiresAt, now).Milliseconds(),
		params.JTI,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if created == 0 {
		return ErrDuplicate
	}
	return nil
}

// Rotate atomically consumes the record identified by oldJTI and creates its
// child. The consumed record stays behind as a revoked marker so the family
// chain remains walkable and replays of the old jti are detectable. Exactly
// one of two concurrent rotations of the same jti succeeds; the loser, and
// any caller rotating a missing or already-consumed record, receives
// ErrRotateConflict.
func (s *RedisStore) Rotate(ctx context.Context, oldJTI string, params CreateParams) error {
	now := time.Now()
	record := newRecord(params, now)
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	keys := []string{
		s.recordKey(oldJTI),
		s.recordKey(params.JTI),
		s.userKey(params.UserID),
		s.deviceKey(params.UserID, params.DeviceID),
		s.childrenKey(oldJTI),
	}

	rotated, err := rotateLua.Run(ctx, s.redis, keys,
		data,
		s.recordTTL(params.ExpiresAt, now).Milliseconds(),
		params.JTI,
		ReasonRotated,
		now.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rotated == 0 {
		return ErrRotateConflict
	}
	return nil
}

// FindByJTI returns the record for a jti, or ErrNotFound.
func (s *RedisStore) FindByJTI(ctx context.Context, jti string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.recordKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeRecord(data)
}

// FindByUser returns a user's records, newest first. Expired records are
// filtered out unless includeExpired is set; revoked records are always
// included while retained.
func (s *RedisStore) FindByUser(ctx context.Context, userID string, includeExpired bool) ([]*Record, error) {
	records, err := s.readIndexedRecords(ctx, s.userKey(userID))
	if err != nil {
		return nil, err
	}

	if !includeExpired {
		now := time.Now()
		kept := records[:0]
		for _, record := range records {
			if !record.Expired(now) {
				kept = append(kept, record)
			}
		}
		records = kept
	}

	sortNewestFirst(records)
	return records, nil
}

// FindByUserAndDevice returns the records bound to one device of a user,
// newest first.
func (s *RedisStore) FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]*Record, error) {
	records, err := s.readIndexedRecords(ctx, s.deviceKey(userID, deviceID))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(records)
	return records, nil
}

// TouchLastUsed stamps the record's last-use time without changing its TTL.
func (s *RedisStore) TouchLastUsed(ctx context.Context, jti string, at time.Time) error {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		return err
	}
	record.LastUsedAt = at
	record.UpdatedAt = at
	return s.writeKeepTTL(ctx, record)
}

// Revoke marks a record revoked. Returns false without error when the record
// was already revoked; revoking twice is not a failure.
func (s *RedisStore) Revoke(ctx context.Context, jti, reason string) (bool, error) {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if record.Status == StatusRevoked {
		return false, nil
	}

	now := time.Now()
	record.Status = StatusRevoked
	record.RevokedReason = reason
	record.RevokedAt = now
	record.UpdatedAt = now
	if err := s.writeKeepTTL(ctx, record); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeAllForUser revokes every currently-active record of a user, skipping
// excludeJTI when non-empty. Returns the number revoked.
func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID, reason, excludeJTI string) (int, error) {
	records, err := s.readIndexedRecords(ctx, s.userKey(userID))
	if err != nil {
		return 0, err
	}
	return s.revokeActive(ctx, records, reason, excludeJTI)
}

// RevokeAllForDevice revokes every currently-active record bound to one
// device of a user.
func (s *RedisStore) RevokeAllForDevice(ctx context.Context, userID, deviceID, reason string) (int, error) {
	records, err := s.readIndexedRecords(ctx, s.deviceKey(userID, deviceID))
	if err != nil {
		return 0, err
	}
	return s.revokeActive(ctx, records, reason, "")
}

// Delete hard-removes a record and its index memberships. Returns whether the
// record existed.
func (s *RedisStore) Delete(ctx context.Context, jti string) (bool, error) {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	existed, err := deleteLua.Run(ctx, s.redis,
		[]string{
			s.recordKey(jti),
			s.userKey(record.UserID),
			s.deviceKey(record.UserID, record.DeviceID),
		},
		jti,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return existed == 1, nil
}

// IsRevoked reports whether the record is revoked. Fails closed: on any
// lookup failure the answer is true.
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) bool {
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
func (s *RedisStore) IsExpired(ctx context.Context, jti string) bool {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		return true
	}
	return record.Expired(time.Now())
}

// IsValid reports whether the record is active and unexpired. Fails closed.
func (s *RedisStore) IsValid(ctx context.Context, jti string) bool {
	record, err := s.FindByJTI(ctx, jti)
	if err != nil {
		return false
	}
	return record.Usable(time.Now())
}

// Family returns the record for rootJTI plus its transitive rotation
// descendants, walking the children index breadth-first with a bounded depth.
// The root, when still present, is the first element.
func (s *RedisStore) Family(ctx context.Context, rootJTI string) ([]*Record, error) {
	var family []*Record

	root, err := s.FindByJTI(ctx, rootJTI)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if root != nil {
		family = append(family, root)
	}

	seen := map[string]bool{rootJTI: true}
	frontier := []string{rootJTI}

	for depth := 0; depth < familyDepthCap && len(frontier) > 0; depth++ {
		var next []string
		for _, jti := range frontier {
			children, err := s.redis.SMembers(ctx, s.childrenKey(jti)).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			for _, child := range children {
				if seen[child] {
					continue
				}
				seen[child] = true
				next = append(next, child)

				record, err := s.FindByJTI(ctx, child)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						continue
					}
					return nil, err
				}
				family = append(family, record)
			}
		}
		frontier = next
	}

	return family, nil
}

// RevokeFamily revokes every active member of the family rooted at rootJTI.
func (s *RedisStore) RevokeFamily(ctx context.Context, rootJTI, reason string) (int, error) {
	family, err := s.Family(ctx, rootJTI)
	if err != nil {
		return 0, err
	}
	return s.revokeActive(ctx, family, reason, "")
}

// BatchCreate persists every item in a single MULTI/EXEC transaction: either
// the whole batch lands or none of it does. Duplicate jtis are skipped, not
// errors; the return value counts records actually created.
func (s *RedisStore) BatchCreate(ctx context.Context, items []CreateParams) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	now := time.Now()

	type pendingCreate struct {
		keys []string
		argv []interface{}
	}
	queue := make([]pendingCreate, 0, len(items))
	for _, params := range items {
		record := newRecord(params, now)
		data, err := encodeRecord(record)
		if err != nil {
			return 0, err
		}

		keys := []string{
			s.recordKey(params.JTI),
			s.userKey(params.UserID),
			s.deviceKey(params.UserID, params.DeviceID),
		}
		if params.ParentJTI != "" {
			keys = append(keys, s.childrenKey(params.ParentJTI))
		}
		queue = append(queue, pendingCreate{
			keys: keys,
			argv: []interface{}{data, s.recordTTL(params.ExpiresAt, now).Milliseconds(), params.JTI},
		})
	}

	cmds := make([]*redis.Cmd, len(queue))
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, item := range queue {
			cmds[i] = pipe.Eval(ctx, createScript, item.keys, item.argv...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	created := 0
	for _, cmd := range cmds {
		n, cmdErr := cmd.Int64()
		if cmdErr != nil {
			return created, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		if n == 1 {
			created++
		}
	}
	return created, nil
}

// BatchRevoke revokes the listed jtis in a single MULTI/EXEC transaction and
// returns the number transitioned to revoked. Missing and already-revoked
// records are skipped.
func (s *RedisStore) BatchRevoke(ctx context.Context, jtis []string, reason string) (int, error) {
	now := time.Now()
	pending := make([]*Record, 0, len(jtis))
	for _, jti := range jtis {
		record, err := s.FindByJTI(ctx, jti)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		if record.Status == StatusRevoked {
			continue
		}
		record.Status = StatusRevoked
		record.RevokedReason = reason
		record.RevokedAt = now
		record.UpdatedAt = now
		pending = append(pending, record)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	payloads := make([][]byte, len(pending))
	for i, record := range pending {
		data, err := encodeRecord(record)
		if err != nil {
			return 0, err
		}
		payloads[i] = data
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, record := range pending {
			pipe.Set(ctx, s.recordKey(record.JTI), payloads[i], redis.KeepTTL)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return len(pending), nil
}

// CleanupExpired deletes records whose expiry precedes before (now when
// zero). Safe to run concurrently with traffic; it only touches expired rows.
func (s *RedisStore) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now()
	}
	return s.cleanup(ctx, func(record *Record) bool {
		return record.ExpiresAt.Before(before)
	})
}

// CleanupRevokedOlderThan deletes records revoked more than the given number
// of days ago.
func (s *RedisStore) CleanupRevokedOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	return s.cleanup(ctx, func(record *Record) bool {
		return record.Status == StatusRevoked && !record.RevokedAt.IsZero() && record.RevokedAt.Before(cutoff)
	})
}

// UserStats tallies a user's records by state.
func (s *RedisStore) UserStats(ctx context.Context, userID string) (Stats, error) {
	records, err := s.readIndexedRecords(ctx, s.userKey(userID))
	if err != nil {
		return Stats{}, err
	}
	return tally(records, time.Now()), nil
}

// SystemStats scans every record and tallies states plus distinct users and
// devices. This is an admin-only O(n) operation, not for request hot paths.
func (s *RedisStore) SystemStats(ctx context.Context) (SystemStats, error) {
	records, err := s.scanRecords(ctx)
	if err != nil {
		return SystemStats{}, err
	}

	users := make(map[string]bool)
	devices := make(map[string]bool)
	for _, record := range records {
		users[record.UserID] = true
		if record.DeviceID != "" {
			devices[record.DeviceID] = true
		}
	}

	return SystemStats{
		Stats:         tally(records, time.Now()),
		UniqueUsers:   len(users),
		UniqueDevices: len(devices),
	}, nil
}

func (s *RedisStore) writeKeepTTL(ctx context.Context, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.recordKey(record.JTI), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// readIndexedRecords resolves an index set into records, pruning members
// whose record key has already expired.
func (s *RedisStore) readIndexedRecords(ctx context.Context, indexKey string) ([]*Record, error) {
	jtis, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(jtis) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.Get(ctx, s.recordKey(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	records := make([]*Record, 0, len(jtis))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, jtis[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		record, decErr := decodeRecord(data)
		if decErr != nil {
			return nil, decErr
		}
		records = append(records, record)
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, indexKey, stale...).Err()
	}

	return records, nil
}

func (s *RedisStore) revokeActive(ctx context.Context, records []*Record, reason, excludeJTI string) (int, error) {
	now := time.Now()
	revoked := 0
	for _, record := range records {
		if record.JTI == excludeJTI || !record.Usable(now) {
			continue
		}
		changed, err := s.Revoke(ctx, record.JTI, reason)
		if err != nil {
			return revoked, err
		}
		if changed {
			revoked++
		}
	}
	return revoked, nil
}

func (s *RedisStore) cleanup(ctx context.Context, doomed func(*Record) bool) (int, error) {
	records, err := s.scanRecords(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, record := range records {
		if !doomed(record) {
			continue
		}
		existed, err := s.Delete(ctx, record.JTI)
		if err != nil {
			return removed, err
		}
		if existed {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) scanRecords(ctx context.Context) ([]*Record, error) {
	pattern := s.prefix + ":rec:*"
	var (
		cursor  uint64
		records []*Record
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, key := range keys {
			data, getErr := s.redis.Get(ctx, key).Bytes()
			if getErr != nil {
				if errors.Is(getErr, redis.Nil) {
					continue
				}
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, getErr)
			}
			record, decErr := decodeRecord(data)
			if decErr != nil {
				return nil, decErr
			}
			records = append(records, record)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return records, nil
}

func sortNewestFirst(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].JTI > records[j].JTI
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
