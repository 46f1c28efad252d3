package session

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes how a session came to exist.
type Kind string

const (
	// KindAutomated sessions are created and rotated on demand by the
	// lifecycle manager.
	KindAutomated Kind = "automated"

	// KindManual sessions are created by explicit user action and are never
	// silently rotated.
	KindManual Kind = "manual"
)

// Session is one row of the sessions table. ID is issued by the downstream
// routing service and acts as the foreign handle for all downstream calls.
type Session struct {
	ID          string
	OwnerUserID *uuid.UUID // nullable: sessions may outlive user metadata
	APIKeyID    uuid.UUID
	Model       string
	Kind        Kind
	CreatedAt   time.Time
	ExpiresAt   time.Time
	IsActive    bool
}

// Expired reports whether the session's lifetime has elapsed at the given
// instant. Expiry is fixed at creation; use never extends it.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// APIKey is the durable record behind an opaque client credential. Only
// lookup by prefix is needed here; issuance and revocation are managed
// elsewhere.
type APIKey struct {
	ID        uuid.UUID
	Prefix    string
	UserID    *uuid.UUID
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// CreateParams carries everything needed to persist a new session row.
type CreateParams struct {
	ID          string // downstream-issued session ID
	OwnerUserID *uuid.UUID
	APIKeyID    uuid.UUID
	Model       string
	Kind        Kind
	Duration    time.Duration
}

// Expired identifies a row the sweep found past its expiry, together with the
// key whose lock must be taken before deactivating it.
type Expired struct {
	SessionID string
	APIKeyID  uuid.UUID
}
