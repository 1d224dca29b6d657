package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the record in a local SQLite file so a restarted
// process can pick up an orphaned active task without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath; ":memory:" gives a throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS session_state (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM session_state WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("query state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_state (key, version, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET version=excluded.version, payload=excluded.payload, updated_at=excluded.updated_at`,
		key, st.Version, raw, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
