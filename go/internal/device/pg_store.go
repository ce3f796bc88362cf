package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createIdentitiesTable = `
CREATE TABLE IF NOT EXISTS device_identities (
	profile    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (profile, key)
)`

// PgStore keeps profile values in Postgres so agents running on shared hosts
// keep their identity across restarts.
type PgStore struct {
	pool    *pgxpool.Pool
	profile string
}

// OpenPgPool creates a pgx pool for dsn and verifies it with a ping
func OpenPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 2
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewPgStore ensures the backing table exists and returns a store for profile
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, profile string) (*PgStore, error) {
	if _, err := pool.Exec(ctx, createIdentitiesTable); err != nil {
		return nil, fmt.Errorf("create device_identities: %w", err)
	}
	return &PgStore{pool: pool, profile: profile}, nil
}

func (s *PgStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM device_identities WHERE profile = $1 AND key = $2`,
		s.profile, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select device identity: %w", err)
	}
	return value, true, nil
}

func (s *PgStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_identities (profile, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.profile, key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert device identity: %w", err)
	}
	return nil
}
