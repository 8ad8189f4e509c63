// Package profilestore implements the Postgres-backed learner-profile
// persistence behind internal/tools.ProfileStore. Schema init, pgxpool
// construction, and JSON-column read/write follow memory.PostgresStore.
package profilestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinge-app/tinge-session-core/internal/tools"
)

// Store persists learner profiles as JSONB documents keyed by user_id.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS learner_profiles (
			user_id TEXT PRIMARY KEY,
			profile JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// GetProfile returns an empty profile, not an error, for a user with no
// row yet: every user starts with a blank learner profile by
// definition.
func (s *Store) GetProfile(ctx context.Context, userID string) (tools.Profile, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT profile FROM learner_profiles WHERE user_id=$1`, userID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tools.Profile{}, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	var profile tools.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (s *Store) SaveProfile(ctx context.Context, userID string, profile tools.Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO learner_profiles (user_id, profile, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at`,
		userID, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
