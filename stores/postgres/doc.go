// Package postgres provides the Postgres-backed [authkit.Store]. It
// uses the pgx stdlib driver through database/sql and applies its
// schema with embedded goose migrations.
//
// Slice-valued columns (prior hashes, backup code hashes, auth methods,
// transports) are stored as JSONB so the same codec serves every
// driver configuration.
package postgres
