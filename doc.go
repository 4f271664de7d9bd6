// Package authkit is an identity and session engine. Password logins,
// emailed magic links, OIDC sign-in, WebAuthn passkeys, and
// TOTP/backup-code second factors all converge on one Session record
// and one access/refresh token pair.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authkit is the public surface. It exposes [Engine], [Builder],
// [Config], the [Store] persistence interface, and value types
// (LoginResult, Principal, MetricsSnapshot, etc.). Sessions and
// single-use challenge state live in Redis behind the session and
// challenge sub-packages; durable identity lives behind [Store]
// (implementations in stores/). Token signing, password hashing, TOTP,
// and the OIDC client are sub-packages the engine composes, never
// reaches around.
//
// # Single-use state
//
// Every in-flight flow is a challenge record consumed exactly once: a
// magic link, an OIDC state, a WebAuthn ceremony, a pending MFA login.
// A second consume attempt fails with a distinct "already consumed"
// error for the record's full lifetime, so replays are distinguishable
// from expiry.
//
// # Collaborators
//
// Outbound email goes through the [mail.Sender] interface with retries
// on top; the HTTP layer lives in httpapi; Prometheus exposition in
// metrics/export/prometheus.
package authkit
