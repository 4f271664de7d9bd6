// Package session stores persisted login sessions in Redis. Records are
// binary-encoded with a schema version byte; a per-user index supports
// the device-list and revoke-other-device flows. Rotation policy (when
// a refresh extends the session) lives in the Engine, not here.
package session
