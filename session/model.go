package session

// Session is a persisted login session. Every authentication method
// converges here: password, magic link, OIDC, passkey, and MFA
// completion all open the same record shape.
//
// ExpiresAt mirrors the refresh-token TTL and is extended on refresh
// rotation. UserAgent is the fingerprint captured at login for the
// device list shown to the user.
type Session struct {
	ID        string
	UserID    string
	UserAgent string
	CreatedAt int64
	ExpiresAt int64
}
