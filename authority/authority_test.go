package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/consts"
)

func seeded(t *testing.T) *MemoryAuthority {
	t.Helper()
	a := NewMemoryAuthority(10 * time.Minute)
	a.AddSession(Session{
		SessionID:    "s1",
		UserID:       "u1",
		DeviceID:     "d1",
		ExpiresAt:    time.Now().Add(5 * time.Minute),
		LastActivity: time.Now(),
	}, "cred-1", "csrf-1")
	return a
}

func TestValidateCredential(t *testing.T) {
	a := seeded(t)
	ctx := context.Background()

	s, err := a.ValidateCredential(ctx, "cred-1", "csrf-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, "u1", s.UserID)

	_, err = a.ValidateCredential(ctx, "unknown", "csrf-1")
	assert.ErrorIs(t, err, consts.ErrUnauthorized)

	_, err = a.ValidateCredential(ctx, "cred-1", "wrong")
	assert.ErrorIs(t, err, consts.ErrForgedToken)
}

func TestValidateExpiredCredential(t *testing.T) {
	a := NewMemoryAuthority(10 * time.Minute)
	a.AddSession(Session{
		SessionID: "s1",
		UserID:    "u1",
		DeviceID:  "d1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}, "cred-1", "csrf-1")

	_, err := a.ValidateCredential(context.Background(), "cred-1", "csrf-1")
	assert.ErrorIs(t, err, consts.ErrCredentialExpired)
}

func TestRevokedSessionRejected(t *testing.T) {
	a := seeded(t)
	ctx := context.Background()

	require.NoError(t, a.RevokeSession(ctx, "s1"))
	_, err := a.ValidateCredential(ctx, "cred-1", "csrf-1")
	assert.ErrorIs(t, err, consts.ErrSessionRevoked)

	assert.ErrorIs(t, a.RevokeSession(ctx, "missing"), consts.ErrSessionNotFound)
}

func TestRefreshExtendsExpiry(t *testing.T) {
	a := seeded(t)
	ctx := context.Background()

	before, err := a.GetSession(ctx, "s1")
	require.NoError(t, err)

	after, err := a.RefreshCredential(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))

	_, err = a.RefreshCredential(ctx, "missing")
	assert.ErrorIs(t, err, consts.ErrSessionNotFound)
}

func TestListExpiringOrdersSoonestFirst(t *testing.T) {
	a := NewMemoryAuthority(10 * time.Minute)
	now := time.Now()
	a.AddSession(Session{SessionID: "later", UserID: "u1", DeviceID: "d1", ExpiresAt: now.Add(4 * time.Minute)}, "c1", "f1")
	a.AddSession(Session{SessionID: "sooner", UserID: "u1", DeviceID: "d1", ExpiresAt: now.Add(1 * time.Minute)}, "c2", "f2")
	a.AddSession(Session{SessionID: "distant", UserID: "u1", DeviceID: "d1", ExpiresAt: now.Add(time.Hour)}, "c3", "f3")

	sessions, err := a.ListExpiring(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sooner", sessions[0].SessionID)
	assert.Equal(t, "later", sessions[1].SessionID)
}
