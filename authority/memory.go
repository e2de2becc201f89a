package authority

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/beaconhq/beacon/consts"
)

// MemoryAuthority is an in-memory Authority used in development mode
// and by tests. Credentials are held alongside their sessions; there
// is no hashing since nothing is persisted.
type MemoryAuthority struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	lifetime time.Duration
}

type memorySession struct {
	session      Session
	credential   string
	forgeryToken string
}

// NewMemoryAuthority builds an empty in-memory authority. lifetime is
// the credential lifetime applied by RefreshCredential.
func NewMemoryAuthority(lifetime time.Duration) *MemoryAuthority {
	if lifetime <= 0 {
		lifetime = 15 * time.Minute
	}
	return &MemoryAuthority{
		sessions: make(map[string]*memorySession),
		lifetime: lifetime,
	}
}

// AddSession seeds a session with its credential material.
func (a *MemoryAuthority) AddSession(s Session, credential, forgeryToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.SessionID] = &memorySession{
		session:      s,
		credential:   credential,
		forgeryToken: forgeryToken,
	}
}

// Touch updates the session's last-activity timestamp.
func (a *MemoryAuthority) Touch(sessionID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ms, ok := a.sessions[sessionID]; ok {
		ms.session.LastActivity = at
	}
}

func (a *MemoryAuthority) ValidateCredential(_ context.Context, credential, forgeryToken string) (*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, ms := range a.sessions {
		if subtle.ConstantTimeCompare([]byte(ms.credential), []byte(credential)) != 1 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(ms.forgeryToken), []byte(forgeryToken)) != 1 {
			return nil, consts.ErrForgedToken
		}
		if ms.session.Revoked {
			return nil, consts.ErrSessionRevoked
		}
		if ms.session.Expired(time.Now()) {
			return nil, consts.ErrCredentialExpired
		}
		s := ms.session
		return &s, nil
	}
	return nil, consts.ErrUnauthorized
}

func (a *MemoryAuthority) GetSession(_ context.Context, sessionID string) (*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ms, ok := a.sessions[sessionID]
	if !ok {
		return nil, consts.ErrSessionNotFound
	}
	s := ms.session
	return &s, nil
}

func (a *MemoryAuthority) RefreshCredential(_ context.Context, sessionID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms, ok := a.sessions[sessionID]
	if !ok || ms.session.Revoked {
		return nil, consts.ErrSessionNotFound
	}
	ms.session.ExpiresAt = time.Now().Add(a.lifetime)
	s := ms.session
	return &s, nil
}

func (a *MemoryAuthority) RevokeSession(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms, ok := a.sessions[sessionID]
	if !ok {
		return consts.ErrSessionNotFound
	}
	ms.session.Revoked = true
	return nil
}

func (a *MemoryAuthority) ListExpiring(_ context.Context, horizon time.Duration) ([]*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cutoff := time.Now().Add(horizon)
	var out []*Session
	for _, ms := range a.sessions {
		if ms.session.Revoked || ms.session.ExpiresAt.After(cutoff) {
			continue
		}
		s := ms.session
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (a *MemoryAuthority) Ping(context.Context) error { return nil }

func (a *MemoryAuthority) Close() {}
