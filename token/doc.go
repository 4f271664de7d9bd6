// Package token signs and verifies the four typed JWT kinds used by
// authkit: access, refresh, mfa, and magic-link. Every kind carries an
// explicit typ claim and its own key material, so tokens are rejected
// when presented against the wrong verification context.
package token
