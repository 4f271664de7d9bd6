// Package challenge implements the generic single-use challenge session:
// a purpose-bound, expiring record keyed by a high-entropy correlation
// value, with atomic consumption. Magic links, OIDC state, passkey
// ceremonies, MFA login sessions, and pending TOTP secrets all share
// this one state machine instead of re-deriving the consume logic per
// protocol.
//
// # Invariants
//
//   - At most one unconsumed, unexpired record exists per correlation key.
//   - Consumed transitions false→true exactly once and never reverses.
//   - Consume's error precedence is fixed: not-found, already-consumed,
//     wrong-purpose, expired.
package challenge
