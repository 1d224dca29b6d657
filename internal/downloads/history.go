package downloads

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultHistoryMax = 2048

var ErrInvalidEntry = errors.New("invalid download entry")

// History is a RecordStore fed by the attached client, which reports its
// browser download events. Oldest entries are evicted past the cap.
type History struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	max     int
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = defaultHistoryMax
	}
	return &History{
		entries: make(map[string]*Entry),
		max:     max,
	}
}

// Record inserts or updates an entry by ID. A missing ID gets a fresh one;
// a missing start time keeps the previous value or defaults to now.
func (h *History) Record(e Entry) (Entry, error) {
	e.Path = normalizePath(e.Path)
	if e.Path == "" {
		return Entry{}, fmt.Errorf("%w: path is required", ErrInvalidEntry)
	}
	if e.State == "" {
		e.State = EntryInProgress
	}
	parsed, ok := ParseEntryState(string(e.State))
	if !ok {
		return Entry{}, fmt.Errorf("%w: unknown state %q", ErrInvalidEntry, e.State)
	}
	e.State = parsed
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.entries[e.ID]; ok {
		if e.StartedAt.IsZero() {
			e.StartedAt = prev.StartedAt
		}
		*prev = e
		return e, nil
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	cp := e
	h.entries[e.ID] = &cp
	h.order = append(h.order, e.ID)
	for len(h.order) > h.max {
		delete(h.entries, h.order[0])
		h.order = h.order[1:]
	}
	return e, nil
}

func (h *History) QueryCompleted(_ context.Context, pattern *regexp.Regexp, limit int) ([]Entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Entry
	for i := len(h.order) - 1; i >= 0; i-- {
		e := h.entries[h.order[i]]
		if e.State != EntryComplete {
			continue
		}
		if pattern != nil && !pattern.MatchString(e.Path) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (h *History) QueryRecent(_ context.Context, limit int) ([]Entry, error) {
	h.mu.RLock()
	out := make([]Entry, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.entries[id])
	}
	h.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
