// Package lifecycle orchestrates session resolution for API keys: reusing
// the active session when the requested model matches, rotating it when the
// model changes, and creating one when none exists.
//
// The manager is the only component allowed to mutate session state. Its
// fast path is a validated cache snapshot; its slow path re-reads the
// authoritative store under the per-key lock before deciding. The store's
// uniqueness constraint stays the final arbiter: an insert that loses a race
// comes back as a conflict and is answered by a single re-read, never a
// blind retry.
package lifecycle
