package blacklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 1000

// addScript inserts an entry only when the jti is not yet present and
// maintains the user/device/reason index sets in the same atomic step.
// Duplicate inserts are reported, not failed.
const addScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
if #KEYS >= 3 then
  redis.call("SADD", KEYS[3], ARGV[3])
end
if #KEYS >= 4 then
  redis.call("SADD", KEYS[4], ARGV[3])
end
return 1
`

var addLua = redis.NewScript(addScript)

// removeScript deletes an entry and its index memberships, reporting whether
// the entry existed.
const removeScript = `
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
redis.call("SREM", KEYS[2], ARGV[1])
if #KEYS >= 3 then
  redis.call("SREM", KEYS[3], ARGV[1])
end
if #KEYS >= 4 then
  redis.call("SREM", KEYS[4], ARGV[1])
end
return existed
`

var removeLua = redis.NewScript(removeScript)

// RedisStore is a Redis-backed blacklist. Entries are JSON blobs whose key
// TTL equals the entry's own expiry, so IsBlacklisted is a plain existence
// check and expired entries vanish without a sweeper.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a blacklist store on the given client. prefix
// namespaces all keys (default "bl").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bl"
	}
	return &RedisStore{
		redis:  client,
		prefix: prefix,
	}
}

func (s *RedisStore) entryKey(jti string) string {
	return s.prefix + ":ent:" + jti
}

func (s *RedisStore) reasonKey(reason Reason) string {
	return s.prefix + ":reason:" + string(reason)
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + ":user:" + userID
}

func (s *RedisStore) deviceKey(deviceID string) string {
	return s.prefix + ":dev:" + deviceID
}

// Add inserts an entry. Returns false when the jti was already present;
// duplicates are a no-op, never an error. Entries already expired are
// silently not inserted.
func (s *RedisStore) Add(ctx context.Context, entry Entry) (bool, error) {
	now := time.Now()
	if entry.BlacklistedAt.IsZero() {
		entry.BlacklistedAt = now
	}
	ttl := entry.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}

	data, err := encodeEntry(&entry)
	if err != nil {
		return false, err
	}

	keys := []string{
		s.entryKey(entry.JTI),
		s.reasonKey(entry.Reason),
	}
	if entry.UserID != "" {
		keys = append(keys, s.userKey(entry.UserID))
	}
	if entry.DeviceID != "" {
		keys = append(keys, s.deviceKey(entry.DeviceID))
	}

	added, err := addLua.Run(ctx, s.redis, keys, data, ttl.Milliseconds(), entry.JTI).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return added == 1, nil
}

// IsBlacklisted reports whether the jti currently has an unexpired entry.
// Errors are surfaced so the caller can apply its fail-open/fail-closed
// policy explicitly.
func (s *RedisStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	count, err := s.redis.Exists(ctx, s.entryKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count > 0, nil
}

// Remove deletes an entry before its natural expiry. Returns whether it
// existed.
func (s *RedisStore) Remove(ctx context.Context, jti string) (bool, error) {
	entry, err := s.FindByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.removeEntry(ctx, entry)
}

func (s *RedisStore) removeEntry(ctx context.Context, entry *Entry) (bool, error) {
	keys := []string{
		s.entryKey(entry.JTI),
		s.reasonKey(entry.Reason),
	}
	if entry.UserID != "" {
		keys = append(keys, s.userKey(entry.UserID))
	}
	if entry.DeviceID != "" {
		keys = append(keys, s.deviceKey(entry.DeviceID))
	}

	existed, err := removeLua.Run(ctx, s.redis, keys, entry.JTI).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return existed == 1, nil
}

// FindByJTI returns the entry for a jti, or ErrNotFound.
func (s *RedisStore) FindByJTI(ctx context.Context, jti string) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.entryKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeEntry(data)
}

// FindByUser returns the user's unexpired entries.
func (s *RedisStore) FindByUser(ctx context.Context, userID string) ([]*Entry, error) {
	return s.readIndexedEntries(ctx, s.userKey(userID))
}

// FindByDevice returns the device's unexpired entries.
func (s *RedisStore) FindByDevice(ctx context.Context, deviceID string) ([]*Entry, error) {
	return s.readIndexedEntries(ctx, s.deviceKey(deviceID))
}

// FindByReason returns unexpired entries sharing a reason.
func (s *RedisStore) FindByReason(ctx context.Context, reason Reason) ([]*Entry, error) {
	return s.readIndexedEntries(ctx, s.reasonKey(reason))
}

// BatchAdd inserts every entry in a single MULTI/EXEC transaction: either the
// whole batch lands or none of it does. Duplicates and already-expired
// entries are tolerated; the return value counts entries actually added.
func (s *RedisStore) BatchAdd(ctx context.Context, entries []Entry) (int, error) {
	now := time.Now()

	type pendingAdd struct {
		keys []string
		argv []interface{}
	}
	queue := make([]pendingAdd, 0, len(entries))
	for i := range entries {
		entry := entries[i]
		if entry.BlacklistedAt.IsZero() {
			entry.BlacklistedAt = now
		}
		ttl := entry.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}

		data, err := encodeEntry(&entry)
		if err != nil {
			return 0, err
		}

		keys := []string{
			s.entryKey(entry.JTI),
			s.reasonKey(entry.Reason),
		}
		if entry.UserID != "" {
			keys = append(keys, s.userKey(entry.UserID))
		}
		if entry.DeviceID != "" {
			keys = append(keys, s.deviceKey(entry.DeviceID))
		}
		queue = append(queue, pendingAdd{
			keys: keys,
			argv: []interface{}{data, ttl.Milliseconds(), entry.JTI},
		})
	}
	if len(queue) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.Cmd, len(queue))
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, item := range queue {
			cmds[i] = pipe.Eval(ctx, addScript, item.keys, item.argv...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	added := 0
	for _, cmd := range cmds {
		n, cmdErr := cmd.Int64()
		if cmdErr != nil {
			return added, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		if n == 1 {
			added++
		}
	}
	return added, nil
}

// BatchIsBlacklisted checks many jtis in one pipeline round trip.
func (s *RedisStore) BatchIsBlacklisted(ctx context.Context, jtis []string) (map[string]bool, error) {
	result := make(map[string]bool, len(jtis))
	if len(jtis) == 0 {
		return result, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.Exists(ctx, s.entryKey(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for i, cmd := range cmds {
		count, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		result[jtis[i]] = count > 0
	}
	return result, nil
}

// BatchRemove deletes the listed jtis in a single MULTI/EXEC transaction and
// returns the number removed. Unknown jtis are skipped.
func (s *RedisStore) BatchRemove(ctx context.Context, jtis []string) (int, error) {
	pending := make([]*Entry, 0, len(jtis))
	for _, jti := range jtis {
		entry, err := s.FindByJTI(ctx, jti)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		pending = append(pending, entry)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.Cmd, len(pending))
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, entry := range pending {
			keys := []string{
				s.entryKey(entry.JTI),
				s.reasonKey(entry.Reason),
			}
			if entry.UserID != "" {
				keys = append(keys, s.userKey(entry.UserID))
			}
			if entry.DeviceID != "" {
				keys = append(keys, s.deviceKey(entry.DeviceID))
			}
			cmds[i] = pipe.Eval(ctx, removeScript, keys, entry.JTI)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	removed := 0
	for _, cmd := range cmds {
		existed, cmdErr := cmd.Int64()
		if cmdErr != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		if existed == 1 {
			removed++
		}
	}
	return removed, nil
}

// Cleanup deletes entries expiring before the given time (now when zero).
// Key TTLs already remove expired entries; this pass additionally prunes
// index memberships left behind.
func (s *RedisStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now()
	}
	return s.sweep(ctx, func(entry *Entry) bool {
		return entry.ExpiresAt.Before(before)
	})
}

// CleanupOlderThan deletes entries blacklisted more than the given number of
// days ago regardless of their own expiry.
func (s *RedisStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	return s.sweep(ctx, func(entry *Entry) bool {
		return entry.BlacklistedAt.Before(cutoff)
	})
}

// Stats tallies unexpired entries by token type and reason. Admin-only O(n)
// scan.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.scanEntries(ctx)
	if err != nil {
		return Stats{}, err
	}
	return tallyStats(entries), nil
}

// SizeInfo reports entry count and approximate storage bytes.
func (s *RedisStore) SizeInfo(ctx context.Context) (SizeInfo, error) {
	pattern := s.prefix + ":ent:*"
	var (
		cursor uint64
		info   SizeInfo
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return SizeInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, key := range keys {
			size, lenErr := s.redis.StrLen(ctx, key).Result()
			if lenErr != nil {
				if errors.Is(lenErr, redis.Nil) {
					continue
				}
				return SizeInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, lenErr)
			}
			info.Entries++
			info.ApproxBytes += size
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return info, nil
}

// IsSizeExceeded reports whether the entry count exceeds maxEntries.
func (s *RedisStore) IsSizeExceeded(ctx context.Context, maxEntries int) (bool, error) {
	info, err := s.SizeInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.Entries > maxEntries, nil
}

// Optimize removes expired leftovers and prunes stale index members,
// reporting the work done and its duration.
func (s *RedisStore) Optimize(ctx context.Context) (OptimizeResult, error) {
	start := time.Now()

	removed, err := s.Cleanup(ctx, time.Time{})
	if err != nil {
		return OptimizeResult{}, err
	}

	for _, pattern := range []string{
		s.prefix + ":user:*",
		s.prefix + ":dev:*",
		s.prefix + ":reason:*",
	} {
		if err := s.pruneIndexes(ctx, pattern); err != nil {
			return OptimizeResult{}, err
		}
	}

	return OptimizeResult{
		Removed: removed,
		Elapsed: time.Since(start),
	}, nil
}

func (s *RedisStore) pruneIndexes(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, indexKey := range keys {
			if _, err := s.readIndexedEntries(ctx, indexKey); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// readIndexedEntries resolves an index set into entries, pruning members
// whose entry key has already expired.
func (s *RedisStore) readIndexedEntries(ctx context.Context, indexKey string) ([]*Entry, error) {
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
		cmds[i] = pipe.Get(ctx, s.entryKey(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entries := make([]*Entry, 0, len(jtis))
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
		entry, decErr := decodeEntry(data)
		if decErr != nil {
			return nil, decErr
		}
		entries = append(entries, entry)
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, indexKey, stale...).Err()
	}

	return entries, nil
}

func (s *RedisStore) sweep(ctx context.Context, doomed func(*Entry) bool) (int, error) {
	entries, err := s.scanEntries(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !doomed(entry) {
			continue
		}
		existed, err := s.removeEntry(ctx, entry)
		if err != nil {
			return removed, err
		}
		if existed {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) scanEntries(ctx context.Context) ([]*Entry, error) {
	pattern := s.prefix + ":ent:*"
	var (
		cursor  uint64
		entries []*Entry
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
			entry, decErr := decodeEntry(data)
			if decErr != nil {
				return nil, decErr
			}
			entries = append(entries, entry)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return entries, nil
}
