// Package ack tracks dispatches waiting for the executor to confirm them.
//
// The registry is process-local. A waiter lost to a restart is never
// resolved; the runner detects that case from the persisted active task.
package ack

import (
	"strings"
	"sync"
	"time"
)

const (
	ReasonTimeout = "ack timeout"
	ReasonStopped = "stopped"
	ReasonCleared = "cleared"
)

// Result is what the executor reported for a run.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type waiter struct {
	ch    chan Result
	timer *time.Timer
}

type Registry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string]*waiter)}
}

// Await registers a waiter for runID and returns the channel that receives
// exactly one Result: the first of Resolve, ResolveAll or the timeout.
// Registering the same runID twice resolves the older waiter as superseded.
func (r *Registry) Await(runID string, timeout time.Duration) <-chan Result {
	runID = strings.TrimSpace(runID)
	ch := make(chan Result, 1)
	if runID == "" {
		ch <- Result{OK: false, Error: "missing run id"}
		return ch
	}

	w := &waiter{ch: ch}
	r.mu.Lock()
	if prev, ok := r.waiters[runID]; ok {
		r.finishLocked(runID, prev, Result{OK: false, Error: "superseded"})
	}
	r.waiters[runID] = w
	w.timer = time.AfterFunc(timeout, func() {
		r.resolve(runID, w, Result{OK: false, Error: ReasonTimeout})
	})
	r.mu.Unlock()
	return ch
}

// Resolve delivers result to the waiter for runID. It reports false when
// no waiter is registered, which is not an error.
func (r *Registry) Resolve(runID string, result Result) bool {
	runID = strings.TrimSpace(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[runID]
	if !ok {
		return false
	}
	if !result.OK && strings.TrimSpace(result.Error) == "" {
		result.Error = "execution failed"
	}
	r.finishLocked(runID, w, result)
	return true
}

// ResolveAll fails every outstanding waiter with reason.
func (r *Registry) ResolveAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.waiters {
		r.finishLocked(id, w, Result{OK: false, Error: reason})
		n++
	}
	return n
}

func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

func (r *Registry) resolve(runID string, w *waiter, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.waiters[runID]; !ok || cur != w {
		return
	}
	r.finishLocked(runID, w, result)
}

func (r *Registry) finishLocked(runID string, w *waiter, result Result) {
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(r.waiters, runID)
	w.ch <- result
}
