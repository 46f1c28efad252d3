package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/routing"
)

// Context key types (unexported to prevent collisions).
type principalCtxKey struct{}
type requestIDCtxKey struct{}

var ctxKeyPrincipal = principalCtxKey{}
var ctxKeyRequestID = requestIDCtxKey{}

// principalFromContext retrieves the authenticated principal from the
// request context. Returns nil and false if the request was not
// authenticated.
func principalFromContext(ctx context.Context) (*cache.Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(*cache.Principal)
	return p, ok
}

// requestIDFromContext retrieves the request ID from the request context.
func requestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID).(string)
	return id, ok
}

// loggingWriter wraps http.ResponseWriter to capture metrics.
// Implements Flusher for streaming and Unwrap for ResponseController.
type loggingWriter struct {
	w            http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lw *loggingWriter) Header() http.Header {
	return lw.w.Header()
}

func (lw *loggingWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.w.WriteHeader(code)
}

//nolint:wrapcheck // http.ResponseWriter wrapper must return unwrapped errors
func (lw *loggingWriter) Write(b []byte) (int, error) {
	if lw.statusCode == 0 {
		lw.statusCode = http.StatusOK
	}
	n, err := lw.w.Write(b)
	lw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (lw *loggingWriter) Flush() {
	if f, ok := lw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (lw *loggingWriter) Unwrap() http.ResponseWriter {
	return lw.w
}

// recoveryMiddleware recovers from panics to prevent server crashes.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapper := &loggingWriter{w: w}

			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"headers_sent", wrapper.statusCode != 0,
					)

					if wrapper.statusCode == 0 {
						writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
					} else {
						logger.Warn("cannot send error response, headers already sent",
							"path", r.URL.Path,
							"status", wrapper.statusCode,
						)
					}
				}
			}()
			next.ServeHTTP(wrapper, r)
		})
	}
}

// requestIDMiddleware assigns each request a UUID, echoing a valid
// client-supplied X-Request-ID if present. The ID is stored in the request
// context and set on the response header so clients can correlate failures
// with gateway logs.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}

			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware logs request details including latency, status, and
// response size. Reuses an existing *loggingWriter from outer middleware to
// avoid double-wrapping the ResponseWriter.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper, ok := w.(*loggingWriter)
			if !ok {
				wrapper = &loggingWriter{w: w}
			}

			next.ServeHTTP(wrapper, r)

			status := wrapper.statusCode
			if status == 0 {
				status = http.StatusOK
			}

			requestID, _ := requestIDFromContext(r.Context())
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", wrapper.bytesWritten,
				"duration", time.Since(start),
				"ip", r.RemoteAddr,
				"request_id", requestID,
			)
		})
	}
}

// corsMiddleware handles CORS preflight and response headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if _, ok := originSet[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalSource resolves a raw API key to its principal.
type PrincipalSource interface {
	Resolve(ctx context.Context, rawKey string) (*cache.Principal, error)
}

// authMiddleware authenticates every request by its Authorization bearer
// key. Unknown and revoked keys get 401; resolver infrastructure failures
// get 503 so clients retry rather than discard their key.
func authMiddleware(resolver PrincipalSource, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey, ok := bearerKey(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing_api_key", "Authorization: Bearer <api-key> required")
				return
			}

			principal, err := resolver.Resolve(r.Context(), rawKey)
			if errors.Is(err, routing.ErrUnknownKey) {
				writeError(w, http.StatusUnauthorized, "invalid_api_key", "unknown or revoked API key")
				return
			}
			if err != nil {
				logger.Error("principal resolution failed", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication temporarily unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerKey extracts the API key from the Authorization header.
func bearerKey(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, key, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}
