// Package guard provides the concurrency-correctness primitives for the
// session lifecycle: a per-API-key exclusive lock and per-request correlation
// tokens.
//
// The lock serializes the read-decide-write sequence that mutates an API
// key's active session. It is held only across that sequence, never across a
// downstream inference call. The database's uniqueness constraint remains the
// ultimate arbiter; the lock exists to avoid wasted work and lost-update
// races under load.
//
// Correlation tokens close a different hole: the uniqueness invariant bounds
// the number of active sessions, not the number of concurrent requests
// against one session. Two in-flight requests sharing a session must never
// receive each other's responses, so every downstream call carries a fresh
// token and every response is checked against the token of the request it
// answers.
package guard
