package state

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("state not found in store")

// Store persists the session record as a single blob under a key.
type Store interface {
	Load(ctx context.Context, key string) (State, error)
	Save(ctx context.Context, key string, st State) error
	Delete(ctx context.Context, key string) error
	Close() error
}
