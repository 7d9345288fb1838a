// Package jwt encodes, signs, and verifies the JWT-shaped payloads used by the
// token authority, with strict validation semantics suitable for low-latency
// authentication paths.
package jwt
