package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs. Defined by the consumer
// so the store can run against a pool, a transaction-scoped wrapper, or a
// test double.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists sessions and API keys in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a session store. logger may be nil.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

const sessionColumns = "id, owner_user_id, api_key_id, model, kind, created_at, expires_at, is_active"

// GetActive returns the single active session for an API key, or ErrNotFound.
func (s *Store) GetActive(ctx context.Context, apiKeyID uuid.UUID) (*Session, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE api_key_id = $1 AND is_active",
		apiKeyID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting active session for key %s: %w", apiKeyID, err)
	}
	return sess, nil
}

// Create inserts a new active session row. Expiry is fixed here at creation
// time; it is never extended by use. A unique_violation on the partial index
// is returned as ErrConflict so callers can treat "someone else won the race"
// as a distinguished result rather than string-matching errors.
func (s *Store) Create(ctx context.Context, params CreateParams) (*Session, error) {
	sess, err := insertSession(ctx, s.db, params)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created session",
		"session_id", sess.ID,
		"api_key_id", sess.APIKeyID,
		"model", sess.Model,
		"kind", sess.Kind,
		"expires_at", sess.ExpiresAt)
	return sess, nil
}

// Deactivate clears is_active for a session. Returns false if the row was
// already inactive or does not exist; deactivation is idempotent.
func (s *Store) Deactivate(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE sessions SET is_active = FALSE WHERE id = $1 AND is_active",
		sessionID)
	if err != nil {
		return false, fmt.Errorf("deactivating session %s: %w", sessionID, err)
	}

	deactivated := tag.RowsAffected() > 0
	if deactivated {
		s.logger.Debug("deactivated session", "session_id", sessionID)
	}
	return deactivated, nil
}

// DeactivateExpired clears is_active only if the row is still active and
// still past its expiry at the given instant. The sweep uses this re-check
// so a concurrent legitimate switch cannot be clobbered.
func (s *Store) DeactivateExpired(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE sessions SET is_active = FALSE WHERE id = $1 AND is_active AND expires_at <= $2",
		sessionID, now)
	if err != nil {
		return false, fmt.Errorf("deactivating expired session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateManual atomically deactivates any active session for the key and
// inserts a manual session, in one transaction. Manual sessions participate
// in the same uniqueness invariant as automated ones.
func (s *Store) CreateManual(ctx context.Context, params CreateParams) (*Session, error) {
	params.Kind = KindManual

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	if _, err := tx.Exec(ctx,
		"UPDATE sessions SET is_active = FALSE WHERE api_key_id = $1 AND is_active",
		params.APIKeyID); err != nil {
		return nil, fmt.Errorf("deactivating current session: %w", err)
	}

	sess, err := insertSession(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("created manual session",
		"session_id", sess.ID,
		"api_key_id", sess.APIKeyID,
		"model", sess.Model)
	return sess, nil
}

// SweepExpired lists active sessions whose expiry has passed. It only
// identifies candidates; deactivation happens per row under the key's lock.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]Expired, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, api_key_id FROM sessions WHERE is_active AND expires_at <= $1",
		now)
	if err != nil {
		return nil, fmt.Errorf("scanning for expired sessions: %w", err)
	}
	defer rows.Close()

	var expired []Expired
	for rows.Next() {
		var e Expired
		if err := rows.Scan(&e.SessionID, &e.APIKeyID); err != nil {
			return nil, fmt.Errorf("scanning expired row: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired rows: %w", err)
	}
	return expired, nil
}

// GetAPIKeyByPrefix looks up an API key row by its public prefix, revoked
// or not. Callers decide what revocation means for them via Revoked().
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var key APIKey
	err := s.db.QueryRow(ctx,
		"SELECT id, prefix, user_id, created_at, revoked_at FROM api_keys WHERE prefix = $1",
		prefix).Scan(&key.ID, &key.Prefix, &key.UserID, &key.CreatedAt, &key.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("looking up API key: %w", err)
	}
	return &key, nil
}

// insertSession inserts an active row and maps unique violations on the
// single-active-session index to ErrConflict.
func insertSession(ctx context.Context, db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, params CreateParams) (*Session, error) {
	now := time.Now().UTC()
	row := db.QueryRow(ctx,
		`INSERT INTO sessions (id, owner_user_id, api_key_id, model, kind, created_at, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		 RETURNING `+sessionColumns,
		params.ID, params.OwnerUserID, params.APIKeyID, params.Model, params.Kind,
		now, now.Add(params.Duration))

	sess, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inserting session for key %s: %w", params.APIKeyID, ErrConflict)
		}
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// scanSession reads one session row.
func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(
		&sess.ID, &sess.OwnerUserID, &sess.APIKeyID, &sess.Model, &sess.Kind,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.IsActive,
	); err != nil {
		return nil, err
	}
	return &sess, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
