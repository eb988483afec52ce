package authserver

import (
	"context"
	"time"
)

// SessionStore persists in-flight device authorization sessions keyed by the
// internal device code. A nil session with a nil error means "not found".
type SessionStore interface {
	SaveSession(ctx context.Context, session *DeviceSession) error
	GetSession(ctx context.Context, deviceCode string) (*DeviceSession, error)
	DeleteSession(ctx context.Context, deviceCode string) error

	// AttachToken attaches a minted session token to a pending session.
	// At most one attach per session can ever succeed: a later attempt
	// fails with ErrSessionResolved, and ErrSessionGone if the session no
	// longer exists. The check and the write are a single atomic step.
	AttachToken(ctx context.Context, deviceCode, token string) error

	// TakeResolvedSession atomically removes and returns a resolved
	// session, so exactly one caller can obtain it. A nil session with a
	// nil error means there was nothing to take; pending sessions are left
	// in place.
	TakeResolvedSession(ctx context.Context, deviceCode string) (*DeviceSession, error)

	// SweepExpiredSessions removes every session whose expiry is before now
	// and returns the number removed.
	SweepExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// TokenStore persists minted session tokens keyed by token value.
type TokenStore interface {
	// Mint creates, stores and returns a new session token with a fresh
	// cryptographically random value. A value collision is an invariant
	// violation and panics.
	Mint(ctx context.Context, providerToken, codeChallenge string, ttl time.Duration, clientID string, scopes []string) (*SessionToken, error)

	GetToken(ctx context.Context, token string) (*SessionToken, error)
	DeleteToken(ctx context.Context, token string) error

	// SweepExpiredTokens removes every token whose expiry is before now and
	// returns the number removed.
	SweepExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// CodeStore persists temporary authorization codes for the bridge. Expired
// entries are deleted lazily by the engine on lookup.
type CodeStore interface {
	SaveCode(ctx context.Context, code *TemporaryCode) error
	GetCode(ctx context.Context, code string) (*TemporaryCode, error)
	DeleteCode(ctx context.Context, code string) error
}

// Store aggregates the three registries behind one backend.
type Store interface {
	SessionStore
	TokenStore
	CodeStore

	// CheckHealth verifies the storage backend is reachable
	CheckHealth(ctx context.Context) error
}
