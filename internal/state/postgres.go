package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initStateSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initStateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_state (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init state schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) (State, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM session_state WHERE key=$1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_state (key, version, payload, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET
			version=EXCLUDED.version,
			payload=EXCLUDED.payload,
			updated_at=EXCLUDED.updated_at`,
		key, st.Version, raw,
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_state WHERE key=$1`, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
