// Package blacklist denylists individual token IDs until the underlying
// token's own expiry, so a compromised access or refresh token can be cut off
// before its signature stops verifying.
//
// Two backends are provided. RedisStore gives each entry a key TTL equal to
// the token's remaining life, so membership checks are O(1) and expired
// entries vanish on their own. SQLiteStore keeps entries in a table, filters
// expired rows on every lookup, and reclaims space via VACUUM in Optimize.
package blacklist
