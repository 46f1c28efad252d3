// Package cache provides the best-effort key/value tier in front of the
// session store.
//
// The cache is an optimization, not a dependency: every operation is bounded
// by a short timeout, and any transport failure degrades to "not found" for
// reads and is ignored for writes. The gateway must behave identically (if
// slower) with this package backed by Noop.
//
// Two entry kinds live here: principal entries (API-key prefix to principal)
// and session snapshots (API key to active session). Snapshot reads are
// re-validated against the requested model and expiry before being trusted.
package cache
