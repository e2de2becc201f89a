package authority

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/logger"
)

// PostgresAuthority reads the authority's session table directly. The
// authority hashes credentials before persisting them, so lookups go
// through a SHA-256 digest of the presented token; beacon never sees
// or stores plaintext credential material beyond the handshake.
type PostgresAuthority struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

func NewPostgresAuthority(ctx context.Context, cfg config.AuthorityConfig) (*PostgresAuthority, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authority connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach authority database: %w", err)
	}

	timeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to authority database", "host", cfg.Host, "database", cfg.Name)
	return &PostgresAuthority{pool: pool, queryTimeout: timeout}, nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (a *PostgresAuthority) ValidateCredential(ctx context.Context, credential, forgeryToken string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	var (
		s           Session
		storedToken string
	)
	err := a.pool.QueryRow(ctx, `
		SELECT session_id, user_id, device_id, expires_at, last_activity_at, revoked, forgery_token_digest
		FROM sessions
		WHERE credential_digest = $1`,
		digest(credential),
	).Scan(&s.SessionID, &s.UserID, &s.DeviceID, &s.ExpiresAt, &s.LastActivity, &s.Revoked, &storedToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUnauthorized
		}
		return nil, fmt.Errorf("authority lookup failed: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(storedToken), []byte(digest(forgeryToken))) != 1 {
		return nil, consts.ErrForgedToken
	}
	if s.Revoked {
		return nil, consts.ErrSessionRevoked
	}
	if s.Expired(time.Now()) {
		return nil, consts.ErrCredentialExpired
	}
	return &s, nil
}

func (a *PostgresAuthority) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	var s Session
	err := a.pool.QueryRow(ctx, `
		SELECT session_id, user_id, device_id, expires_at, last_activity_at, revoked
		FROM sessions
		WHERE session_id = $1`,
		sessionID,
	).Scan(&s.SessionID, &s.UserID, &s.DeviceID, &s.ExpiresAt, &s.LastActivity, &s.Revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrSessionNotFound
		}
		return nil, fmt.Errorf("authority lookup failed: %w", err)
	}
	return &s, nil
}

func (a *PostgresAuthority) RefreshCredential(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	// The authority computes the new expiry; beacon only triggers the
	// extension. interval lifetimes live in the authority's own config.
	var s Session
	err := a.pool.QueryRow(ctx, `
		UPDATE sessions
		SET expires_at = now() + credential_lifetime
		WHERE session_id = $1 AND NOT revoked
		RETURNING session_id, user_id, device_id, expires_at, last_activity_at, revoked`,
		sessionID,
	).Scan(&s.SessionID, &s.UserID, &s.DeviceID, &s.ExpiresAt, &s.LastActivity, &s.Revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrSessionNotFound
		}
		return nil, fmt.Errorf("authority refresh failed: %w", err)
	}
	return &s, nil
}

func (a *PostgresAuthority) RevokeSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	tag, err := a.pool.Exec(ctx, `UPDATE sessions SET revoked = TRUE WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("authority revoke failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrSessionNotFound
	}
	return nil
}

func (a *PostgresAuthority) ListExpiring(ctx context.Context, horizon time.Duration) ([]*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	rows, err := a.pool.Query(ctx, `
		SELECT session_id, user_id, device_id, expires_at, last_activity_at, revoked
		FROM sessions
		WHERE NOT revoked AND expires_at <= now() + $1::interval
		ORDER BY expires_at ASC`,
		horizon.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("authority expiry scan failed: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.DeviceID, &s.ExpiresAt, &s.LastActivity, &s.Revoked); err != nil {
			return nil, fmt.Errorf("authority expiry scan failed: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (a *PostgresAuthority) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	return a.pool.Ping(ctx)
}

func (a *PostgresAuthority) Close() {
	a.pool.Close()
}
