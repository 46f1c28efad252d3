package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/routing"
	"github.com/modelrelay/modelrelay/internal/session"
)

// ErrManualSessionActive indicates a resolve asked for a different model
// while a manually created session holds the key's active slot. Manual
// sessions are never silently rotated; the caller must close it explicitly.
var ErrManualSessionActive = errors.New("manual session active for different model")

// SessionStore is the slice of the session store the manager mutates
// through. Defined by the consumer for testability.
type SessionStore interface {
	GetActive(ctx context.Context, apiKeyID uuid.UUID) (*session.Session, error)
	Create(ctx context.Context, params session.CreateParams) (*session.Session, error)
	CreateManual(ctx context.Context, params session.CreateParams) (*session.Session, error)
	Deactivate(ctx context.Context, sessionID string) (bool, error)
}

// SessionCreator is the one downstream call the manager needs: negotiating a
// new session with the routing service.
type SessionCreator interface {
	CreateSession(ctx context.Context, req routing.CreateSessionRequest) (string, error)
}

// ResolveRequest identifies the principal and the model a request needs.
type ResolveRequest struct {
	APIKeyID    uuid.UUID
	OwnerUserID *uuid.UUID
	Model       string
	Duration    time.Duration // zero means the configured default
}

// Resolution is a usable session plus the fresh correlation token the caller
// must attach to its downstream call.
type Resolution struct {
	SessionID        string
	Model            string
	ExpiresAt        time.Time
	CorrelationToken string

	// FromCache reports whether the fast path served this resolution.
	FromCache bool
}

// Manager implements the API-key-scoped session lifecycle.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	store     SessionStore
	snapshots *cache.Sessions
	locks     *guard.KeyMutex
	creator   SessionCreator
	duration  time.Duration
	logger    *slog.Logger

	now func() time.Time // test hook
}

// Config wires a Manager.
type Config struct {
	Store           SessionStore
	Snapshots       *cache.Sessions
	Locks           *guard.KeyMutex
	Creator         SessionCreator
	DefaultDuration time.Duration
	Logger          *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		locks:     cfg.Locks,
		creator:   cfg.Creator,
		duration:  cfg.DefaultDuration,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve returns a usable session for the key and model, reusing, switching
// or creating as needed.
//
// The fast path serves a validated cache snapshot without touching the
// store. The slow path takes the per-key lock, re-reads authoritative state
// and decides. Lock acquisition is cancellable and bounded: callers see
// guard.ErrLockTimeout as a retryable busy condition.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	now := m.now()

	if snap, ok := m.snapshots.Get(ctx, req.APIKeyID, req.Model, now); ok {
		return &Resolution{
			SessionID:        snap.SessionID,
			Model:            snap.Model,
			ExpiresAt:        snap.ExpiresAt,
			CorrelationToken: guard.NewToken(),
			FromCache:        true,
		}, nil
	}

	unlock, err := m.locks.Lock(ctx, req.APIKeyID.String())
	if err != nil {
		return nil, fmt.Errorf("acquiring session lock for key %s: %w", req.APIKeyID, err)
	}
	defer unlock()

	sess, err := m.resolveLocked(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		SessionID:        sess.ID,
		Model:            sess.Model,
		ExpiresAt:        sess.ExpiresAt,
		CorrelationToken: guard.NewToken(),
	}, nil
}

// resolveLocked is steps 3 of the resolve sequence; the caller holds the
// per-key lock.
func (m *Manager) resolveLocked(ctx context.Context, req ResolveRequest) (*session.Session, error) {
	now := m.now()

	active, err := m.store.GetActive(ctx, req.APIKeyID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return m.createLocked(ctx, req)

	case err != nil:
		return nil, fmt.Errorf("reading active session: %w", err)

	case active.Expired(now):
		// The sweep has not caught this row yet; rotate it now rather than
		// hand out a dead session.
		if _, err := m.store.Deactivate(ctx, active.ID); err != nil {
			return nil, fmt.Errorf("deactivating expired session %s: %w", active.ID, err)
		}
		m.snapshots.Invalidate(ctx, req.APIKeyID)
		return m.createLocked(ctx, req)

	case active.Model == req.Model:
		// Reuse. Refresh the snapshot so the next caller takes the fast path.
		m.writeThrough(ctx, active)
		return active, nil

	case active.Kind == session.KindManual:
		return nil, fmt.Errorf("key %s holds manual session %s for model %s: %w",
			req.APIKeyID, active.ID, active.Model, ErrManualSessionActive)

	default:
		// Destructive switch: the old session is not resumable.
		if _, err := m.store.Deactivate(ctx, active.ID); err != nil {
			return nil, fmt.Errorf("deactivating session %s for model switch: %w", active.ID, err)
		}
		m.snapshots.Invalidate(ctx, req.APIKeyID)
		m.logger.Info("switching session model",
			"api_key_id", req.APIKeyID,
			"old_session_id", active.ID,
			"old_model", active.Model,
			"new_model", req.Model)
		return m.createLocked(ctx, req)
	}
}

// createLocked negotiates a downstream session and persists it; the caller
// holds the per-key lock. A downstream failure leaves no row behind and is
// not retried here — holding the lock across repeated slow downstream calls
// would starve every other request for the key.
func (m *Manager) createLocked(ctx context.Context, req ResolveRequest) (*session.Session, error) {
	duration := req.Duration
	if duration <= 0 {
		duration = m.duration
	}

	downstreamID, err := m.creator.CreateSession(ctx, routing.CreateSessionRequest{
		APIKeyID:    req.APIKeyID,
		OwnerUserID: req.OwnerUserID,
		Model:       req.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("creating downstream session: %w", err)
	}

	sess, err := m.store.Create(ctx, session.CreateParams{
		ID:          downstreamID,
		OwnerUserID: req.OwnerUserID,
		APIKeyID:    req.APIKeyID,
		Model:       req.Model,
		Kind:        session.KindAutomated,
		Duration:    duration,
	})
	if errors.Is(err, session.ErrConflict) {
		// Someone else won the slot despite the local lock (another gateway
		// instance, typically). Re-read exactly once and accept the winner
		// when it serves the requested model.
		winner, readErr := m.store.GetActive(ctx, req.APIKeyID)
		if readErr == nil && winner.Model == req.Model && !winner.Expired(m.now()) {
			m.logger.Debug("lost creation race, reusing winner",
				"api_key_id", req.APIKeyID, "session_id", winner.ID)
			m.writeThrough(ctx, winner)
			return winner, nil
		}
		return nil, fmt.Errorf("lost session creation race for key %s: %w", req.APIKeyID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.writeThrough(ctx, sess)
	return sess, nil
}

// writeThrough updates the cache snapshot after a durable write. Cache
// writes happen after, never before, the durable write.
func (m *Manager) writeThrough(ctx context.Context, sess *session.Session) {
	m.snapshots.Put(ctx, sess.APIKeyID, cache.Snapshot{
		SessionID: sess.ID,
		Model:     sess.Model,
		ExpiresAt: sess.ExpiresAt,
	}, m.now())
}

// CreateManual creates a session by explicit user action. It bypasses the
// fast path but takes the same per-key lock and participates in the same
// uniqueness invariant: any pre-existing active session is deactivated in
// the same transaction.
func (m *Manager) CreateManual(ctx context.Context, req ResolveRequest) (*session.Session, error) {
	unlock, err := m.locks.Lock(ctx, req.APIKeyID.String())
	if err != nil {
		return nil, fmt.Errorf("acquiring session lock for key %s: %w", req.APIKeyID, err)
	}
	defer unlock()

	duration := req.Duration
	if duration <= 0 {
		duration = m.duration
	}

	downstreamID, err := m.creator.CreateSession(ctx, routing.CreateSessionRequest{
		APIKeyID:    req.APIKeyID,
		OwnerUserID: req.OwnerUserID,
		Model:       req.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("creating downstream session: %w", err)
	}

	sess, err := m.store.CreateManual(ctx, session.CreateParams{
		ID:          downstreamID,
		OwnerUserID: req.OwnerUserID,
		APIKeyID:    req.APIKeyID,
		Model:       req.Model,
		Kind:        session.KindManual,
		Duration:    duration,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting manual session: %w", err)
	}

	m.writeThrough(ctx, sess)
	m.logger.Info("manual session created",
		"api_key_id", req.APIKeyID, "session_id", sess.ID, "model", sess.Model)
	return sess, nil
}

// Close explicitly deactivates the key's active session, if any, and
// invalidates its cache entry. Returns false when there was nothing to close.
func (m *Manager) Close(ctx context.Context, apiKeyID uuid.UUID) (bool, error) {
	unlock, err := m.locks.Lock(ctx, apiKeyID.String())
	if err != nil {
		return false, fmt.Errorf("acquiring session lock for key %s: %w", apiKeyID, err)
	}
	defer unlock()

	active, err := m.store.GetActive(ctx, apiKeyID)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading active session: %w", err)
	}

	deactivated, err := m.store.Deactivate(ctx, active.ID)
	if err != nil {
		return false, fmt.Errorf("closing session %s: %w", active.ID, err)
	}
	m.snapshots.Invalidate(ctx, apiKeyID)

	m.logger.Info("session closed", "api_key_id", apiKeyID, "session_id", active.ID)
	return deactivated, nil
}

// Active returns the key's current active session from the authoritative
// store, bypassing the cache. Used by the read-only session endpoints.
func (m *Manager) Active(ctx context.Context, apiKeyID uuid.UUID) (*session.Session, error) {
	sess, err := m.store.GetActive(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(m.now()) {
		return nil, session.ErrNotFound
	}
	return sess, nil
}
