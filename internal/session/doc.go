// Package session defines the session data model and its PostgreSQL store.
//
// A session is a time-bounded binding between one API key and one compute
// model, mirrored in the downstream routing service. The store enforces the
// central invariant — at most one active session per API key — through a
// partial unique index, not application logic: under concurrent writers the
// database is the only arbiter that can be trusted.
//
// Rows are never deleted, only deactivated, preserving an audit trail.
package session
