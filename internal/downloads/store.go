package downloads

import (
	"context"
	"regexp"
	"strings"
	"time"
)

type EntryState string

const (
	EntryInProgress  EntryState = "in_progress"
	EntryComplete    EntryState = "complete"
	EntryInterrupted EntryState = "interrupted"
)

func ParseEntryState(raw string) (EntryState, bool) {
	switch s := EntryState(strings.ToLower(strings.TrimSpace(raw))); s {
	case EntryInProgress, EntryComplete, EntryInterrupted:
		return s, true
	default:
		return "", false
	}
}

// Entry is one record of the download history.
type Entry struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	State     EntryState `json:"state"`
	StartedAt time.Time  `json:"started_at"`
}

// RecordStore is the eventually-consistent download history. Neither query
// is guaranteed to see a download the moment it finishes.
type RecordStore interface {
	// QueryCompleted returns completed entries whose path matches pattern.
	QueryCompleted(ctx context.Context, pattern *regexp.Regexp, limit int) ([]Entry, error)
	// QueryRecent returns up to limit entries in any state, newest first.
	QueryRecent(ctx context.Context, limit int) ([]Entry, error)
}

func normalizePath(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
}
