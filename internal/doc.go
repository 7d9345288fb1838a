// Package internal contains helper utilities that are intentionally private to
// tokenward: jti generation and one-way token hashing.
//
// # Sub-packages
//
//   - audit — async event dispatch (Dispatcher + Sink implementations)
//
// # What this package must NOT do
//
//   - Export types that appear in the public tokenward API.
//   - Be imported by any package outside the tokenward module.
package internal
