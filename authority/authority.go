// Package authority defines the narrow interface through which the
// synchronization subsystem consumes the external Session/Credential
// Authority. The subsystem validates handshakes against it and reads
// session records; it never writes credential or session state itself,
// except through the explicit refresh call that the authority owns.
package authority

import (
	"context"
	"time"
)

// Session is the authority's record of one authenticated session.
type Session struct {
	SessionID    string
	UserID       string
	DeviceID     string
	ExpiresAt    time.Time
	LastActivity time.Time
	Revoked      bool
}

// Expired reports whether the session's credential lifetime has
// elapsed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// IdleSince reports how long the session has been without user
// activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Authority validates handshake material and serves session records.
//
// ValidateCredential checks the short-lived credential together with
// the forgery-protection token and returns the session it belongs to.
// Failures map onto the consts sentinels: consts.ErrUnauthorized for
// an unknown credential, consts.ErrCredentialExpired for a known but
// lapsed one, consts.ErrForgedToken when the forgery-protection token
// does not match, consts.ErrSessionRevoked for a revoked session.
type Authority interface {
	ValidateCredential(ctx context.Context, credential, forgeryToken string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// RefreshCredential extends the session's credential lifetime and
	// returns the updated record. The authority owns the new expiry.
	RefreshCredential(ctx context.Context, sessionID string) (*Session, error)

	// RevokeSession marks the session revoked; subsequent validations
	// fail with consts.ErrSessionRevoked.
	RevokeSession(ctx context.Context, sessionID string) error

	// ListExpiring returns unrevoked sessions whose credential expires
	// within the horizon, soonest first. The lifecycle scheduler
	// rescans through this.
	ListExpiring(ctx context.Context, horizon time.Duration) ([]*Session, error)

	Ping(ctx context.Context) error
	Close()
}
