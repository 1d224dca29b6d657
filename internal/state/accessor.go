package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const DefaultKey = "invoicedl_state_v2"

// Accessor is the only way components touch the session record. Every
// Read returns a private copy and every Write is an atomic
// read-modify-write of the whole record under one mutex.
type Accessor struct {
	mu     sync.Mutex
	store  Store
	key    string
	cached *State

	hookMu  sync.Mutex
	onClear []func()
}

func NewAccessor(store Store, key string) *Accessor {
	if store == nil {
		store = NewMemoryStore()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &Accessor{store: store, key: key}
}

// OnClear registers a hook run after Clear wipes the record. Used to reset
// in-process caches that must not outlive the record.
func (a *Accessor) OnClear(fn func()) {
	if fn == nil {
		return
	}
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onClear = append(a.onClear, fn)
}

// Read returns the current record, or defaults when nothing is persisted.
func (a *Accessor) Read(ctx context.Context) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := a.loadLocked(ctx)
	if err != nil {
		return State{}, err
	}
	return cur.Clone(), nil
}

// Write applies the patches over the current record and persists the result.
// The cached record is only replaced once the store accepted it.
func (a *Accessor) Write(ctx context.Context, patches ...Patch) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := a.loadLocked(ctx)
	if err != nil {
		return State{}, err
	}
	next := cur.Clone()
	for _, p := range patches {
		if p != nil {
			p(&next)
		}
	}
	next = normalize(next)
	if err := a.store.Save(ctx, a.key, next); err != nil {
		return State{}, fmt.Errorf("save state: %w", err)
	}
	a.cached = &next
	return next.Clone(), nil
}

// Clear removes the persisted record and runs the registered clear hooks.
func (a *Accessor) Clear(ctx context.Context) error {
	a.mu.Lock()
	err := a.store.Delete(ctx, a.key)
	if err == nil || errors.Is(err, ErrNotFound) {
		a.cached = nil
		err = nil
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}

	a.hookMu.Lock()
	hooks := append([]func(){}, a.onClear...)
	a.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (a *Accessor) Close() error {
	return a.store.Close()
}

func (a *Accessor) loadLocked(ctx context.Context) (State, error) {
	if a.cached != nil {
		return *a.cached, nil
	}
	st, err := a.store.Load(ctx, a.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return State{}, fmt.Errorf("load state: %w", err)
		}
		st = Default()
	}
	st = normalize(st)
	a.cached = &st
	return st, nil
}
