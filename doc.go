// Package tokenward is a JWT token authority: issuance, validation, rotation,
// family-based revocation, and blacklisting of access/refresh token pairs
// bound to a user and a device.
//
// The package is designed for concurrent server workloads: Authority methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build]. The authority itself is stateless between calls; all
// durable state lives in the injected [RefreshTokenStore] and
// [BlacklistStore].
//
// # Architecture boundaries
//
// tokenward is the public surface. It exposes [Authority], [Builder],
// [Config], and value types (TokenPair, DeviceInfo, etc.). Signing lives in
// the jwt sub-package, the stores in refresh and blacklist, and audit
// dispatch under internal/.
//
// # What this package must NOT do
//
//   - Perform credential checks, password hashing, or HTTP routing; callers
//     resolve the user and transport the tokens.
//   - Expose store clients or encoding details in its public API.
//   - Trust a refresh token the store does not know, no matter how valid its
//     signature is.
//
// # Failure posture
//
// Validation paths fail closed: an unreadable blacklist or store denies the
// token. Revocation paths are best-effort and return counts/booleans so
// logout degrades gracefully. Read-only helpers never return errors; they
// report the pessimistic answer instead.
package tokenward
