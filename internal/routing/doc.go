// Package routing holds the gateway's view of its external collaborators:
// the downstream routing service that executes inference against a session,
// and the principal resolution that maps an API-key prefix to its owner.
//
// Both are specified only at the interface boundary. The routing service is
// opaque: creation failures are surfaced as retryable and are never retried
// here, and every invocation threads a correlation token whose echo is
// verified before a response may be delivered.
package routing
