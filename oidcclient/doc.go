// Package oidcclient wraps OIDC relying-party plumbing for upstream
// identity providers. Each provider gets one Client, built from
// discovery at startup; flows use PKCE with the S256 method and the
// code verifier is held server-side by the caller between the
// authorization redirect and the callback exchange.
package oidcclient
