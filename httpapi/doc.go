// Package httpapi exposes the engine over a chi REST surface. Tokens
// travel in httpOnly cookies: the access token at the site root, the
// refresh token scoped to the auth base path, and the MFA continuation
// token scoped to the MFA endpoints. Every error leaves as a JSON
// envelope carrying a stable machine code; unexpected failures are
// reduced to a generic internal error plus a request id for log lookup.
package httpapi
