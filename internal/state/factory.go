package state

import (
	"context"
	"strings"
)

// NewStore picks a backend: Postgres when databaseURL is set, SQLite when
// sqlitePath is set, otherwise in-memory. The returned mode names the choice.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if p := strings.TrimSpace(sqlitePath); p != "" {
		st, err := NewSQLiteStore(p)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewMemoryStore(), "in-memory", nil
}
