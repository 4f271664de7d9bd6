// Package memory provides an in-process Store for tests and local
// development. It mirrors the transactional semantics of the postgres
// store under a single mutex.
package memory
