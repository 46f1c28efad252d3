package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/lifecycle"
	"github.com/modelrelay/modelrelay/internal/routing"
)

// maxCompletionBody bounds request bodies; inference prompts are large but
// not unbounded.
const maxCompletionBody = 10 << 20 // 10 MiB

// SessionLifecycle is the slice of the lifecycle manager the handlers use.
type SessionLifecycle interface {
	Resolve(ctx context.Context, req lifecycle.ResolveRequest) (*lifecycle.Resolution, error)
}

// Invoker executes one inference call against the routing service.
type Invoker interface {
	Invoke(ctx context.Context, req routing.InvokeRequest) (*routing.InvokeResponse, error)
}

// completionRequest is the OpenAI-style body; everything but the model is
// passed through to the routing service untouched.
type completionRequest struct {
	Model string `json:"model"`
}

type chatHandler struct {
	lifecycle SessionLifecycle
	router    Invoker
	logger    *slog.Logger
}

// completions handles POST /v1/chat/completions: resolve a session for the
// calling key and model, then proxy the payload downstream with a fresh
// correlation token.
func (h *chatHandler) completions(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "authentication required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCompletionBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	if len(body) > maxCompletionBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 10 MiB")
		return
	}

	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "missing_model", "model is required")
		return
	}

	res, err := h.lifecycle.Resolve(r.Context(), lifecycle.ResolveRequest{
		APIKeyID:    principal.APIKeyID,
		OwnerUserID: principal.UserID,
		Model:       req.Model,
	})
	if err != nil {
		h.writeResolveError(w, r, err)
		return
	}

	resp, err := h.router.Invoke(r.Context(), routing.InvokeRequest{
		SessionID:        res.SessionID,
		CorrelationToken: res.CorrelationToken,
		Model:            req.Model,
		Payload:          body,
	})
	if err != nil {
		requestID, _ := requestIDFromContext(r.Context())
		h.logger.Error("downstream invoke failed",
			"error", err,
			"session_id", res.SessionID,
			"model", req.Model,
			"request_id", requestID,
		)
		writeError(w, http.StatusBadGateway, "upstream_error", "routing service failed, retry the request")
		return
	}

	writeRaw(w, http.StatusOK, resp.Payload)
}

// writeResolveError maps lifecycle failures onto API status codes. Lock
// timeouts are retryable busy conditions, not errors: the key is briefly
// saturated with concurrent session mutations.
func (h *chatHandler) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, guard.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "key_busy", "session slot busy, retry shortly")

	case errors.Is(err, lifecycle.ErrManualSessionActive):
		writeError(w, http.StatusConflict, "manual_session_active",
			"a manually created session holds this key; close it before switching models")

	case errors.Is(err, routing.ErrDownstream):
		writeError(w, http.StatusBadGateway, "upstream_error", "routing service failed, retry the request")

	default:
		requestID, _ := requestIDFromContext(r.Context())
		h.logger.Error("session resolve failed", "error", err, "path", r.URL.Path, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
