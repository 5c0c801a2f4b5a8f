// Package stackstore provides a SQLite-backed stack service for local and
// development deployments. It implements stack.Service with the same
// asynchronous lifecycle as a remote service: every mutation enters an
// *_IN_PROGRESS status that settles once the configured delay has passed and
// the stack is observed again. Resources can be marked as stuck to reproduce
// DELETE_FAILED and retain-on-delete recovery.
package stackstore
