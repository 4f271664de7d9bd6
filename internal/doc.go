// Package internal contains helper utilities that are intentionally
// private to authkit: secure random generation for correlation keys,
// one-time codes, and backup codes, plus code canonicalization and
// hashing.
//
// # Sub-packages
//
//   - audit — async event dispatch (Dispatcher + Sink implementations)
//
// # What this package must NOT do
//
//   - Export types that appear in the public authkit API.
//   - Be imported by any package outside the authkit module.
package internal
