// Package api is the gateway's HTTP edge: OpenAI-style completion requests
// in, downstream routing-service calls out. Handlers authenticate the caller
// by API key, resolve a session through the lifecycle manager and proxy the
// inference payload.
package api
