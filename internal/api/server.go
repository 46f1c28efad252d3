package api

import (
	"errors"
	"log/slog"
	"net/http"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Lifecycle   *LifecycleDeps  // Required
	Resolver    PrincipalSource // Required
	Pool        Pinger          // Optional: nil disables the Postgres readiness check
	Cache       Pinger          // Optional: nil skips the Redis readiness check
	CORSOrigins []string        // Allowed origins for CORS
	TrustProxy  bool            // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst   int             // Rate limiter burst size per IP (0 = default 60)
}

// LifecycleDeps groups the lifecycle-facing dependencies of the handlers.
// The lifecycle.Manager satisfies both interfaces; tests substitute fakes.
type LifecycleDeps struct {
	Resolver SessionLifecycle
	Manager  SessionManager
	Router   Invoker
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Lifecycle == nil || cfg.Lifecycle.Resolver == nil || cfg.Lifecycle.Manager == nil || cfg.Lifecycle.Router == nil {
		return nil, errors.New("lifecycle dependencies are required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("principal resolver is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{
		lifecycle: cfg.Lifecycle.Resolver,
		router:    cfg.Lifecycle.Router,
		logger:    logger,
	}
	sh := &sessionHandler{
		manager: cfg.Lifecycle.Manager,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", ch.completions)
	mux.HandleFunc("POST /v1/sessions", sh.create)
	mux.HandleFunc("GET /v1/sessions/current", sh.current)
	mux.HandleFunc("DELETE /v1/sessions/current", sh.close)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Resolver, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack: no auth, no rate limit.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", healthz)
	topMux.Handle("GET /readyz", readyz(cfg.Pool, cfg.Cache))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
