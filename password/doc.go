// Package password implements credential hashing with a server-side
// pepper and Argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The argon2id input is HMAC-SHA256(password, pepper) rather than the
// raw password: the pepper adds a secret the database never holds, and
// the fixed-size pre-hash avoids argon2's effective input-length limits.
//
// The [Hasher] supports transparent parameter upgrades: if a stored hash
// was produced with weaker parameters, [Hasher.NeedsUpgrade] returns
// true so the caller can re-hash on the next successful login.
//
// # Architecture boundaries
//
// This package owns hashing, verification, and reuse comparison only.
// Where hashes are stored and when reuse is checked is the Engine's
// concern.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords — callers supply plaintext and receive hashes.
//   - Import any other authkit package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
