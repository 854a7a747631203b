package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"verdict-relay/relay/internal/store"
)

// Schema creates the session binding table. Expired rows are ignored on read
// and removed by PurgeExpired.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
	client_id  TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_sessions_expires_at_idx ON relay_sessions (expires_at);
`

type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create relay_sessions: %w", err)
	}
	return nil
}

func (s *PGStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (client_id, owner_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (client_id)
		 DO UPDATE SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id
		 FROM relay_sessions
		 WHERE client_id = $1 AND expires_at > $2`,
		key, s.now()).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: select session: %v", store.ErrUnavailable, err)
	}
	return owner, true, nil
}

// PurgeExpired deletes up to limit expired rows and returns how many went.
func (s *PGStore) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relay_sessions
		 WHERE client_id IN (
			SELECT client_id FROM relay_sessions
			WHERE expires_at <= $1
			LIMIT $2
		 )`,
		s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
