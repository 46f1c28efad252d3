package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/lifecycle"
	"github.com/modelrelay/modelrelay/internal/session"
)

// maxManualDuration caps client-requested session lifetimes.
const maxManualDuration = 24 * time.Hour

// SessionManager is the slice of the lifecycle manager the session
// endpoints use.
type SessionManager interface {
	CreateManual(ctx context.Context, req lifecycle.ResolveRequest) (*session.Session, error)
	Close(ctx context.Context, apiKeyID uuid.UUID) (bool, error)
	Active(ctx context.Context, apiKeyID uuid.UUID) (*session.Session, error)
}

type sessionHandler struct {
	manager SessionManager
	logger  *slog.Logger
}

// sessionResponse is the JSON shape of a session on the wire.
type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		Model:     s.Model,
		Kind:      string(s.Kind),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

type createSessionRequest struct {
	Model           string `json:"model"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// create handles POST /v1/sessions: explicit session creation. Any existing
// active session for the key is replaced in the same transaction.
func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "authentication required")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "missing_model", "model is required")
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration < 0 || duration > maxManualDuration {
		writeError(w, http.StatusBadRequest, "invalid_duration",
			"duration_seconds must be between 0 and 86400")
		return
	}

	sess, err := h.manager.CreateManual(r.Context(), lifecycle.ResolveRequest{
		APIKeyID:    principal.APIKeyID,
		OwnerUserID: principal.UserID,
		Model:       req.Model,
		Duration:    duration,
	})
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// current handles GET /v1/sessions/current: the calling key's active
// session, straight from the authoritative store.
func (h *sessionHandler) current(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "authentication required")
		return
	}

	sess, err := h.manager.Active(r.Context(), principal.APIKeyID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no_active_session", "no active session for this key")
		return
	}
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// close handles DELETE /v1/sessions/current: explicit close. Closing when
// nothing is active is a 404, not an error.
func (h *sessionHandler) close(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "authentication required")
		return
	}

	closed, err := h.manager.Close(r.Context(), principal.APIKeyID)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	if !closed {
		writeError(w, http.StatusNotFound, "no_active_session", "no active session for this key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, guard.ErrLockTimeout) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "key_busy", "session slot busy, retry shortly")
		return
	}

	requestID, _ := requestIDFromContext(r.Context())
	h.logger.Error("session operation failed", "error", err, "path", r.URL.Path, "request_id", requestID)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
