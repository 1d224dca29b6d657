package state

import (
	"strings"
	"time"

	"github.com/ent0n29/invoicedl/internal/tasks"
)

// SchemaVersion is bumped whenever the persisted layout changes.
const SchemaVersion = 2

// ClientRef identifies the attached UI context and its parent window.
type ClientRef struct {
	TabID    string `json:"tab_id"`
	WindowID string `json:"window_id,omitempty"`
}

// State is the single persisted session record.
type State struct {
	Version int                               `json:"version"`
	Client  *ClientRef                        `json:"client,omitempty"`
	Rows    []tasks.WorkItem                  `json:"rows"`
	Done    map[string]tasks.CompletionRecord `json:"done"`
	Running bool                              `json:"running"`
	Active  *tasks.ActiveTask                 `json:"active,omitempty"`
	Queue   []tasks.Task                      `json:"queue"`
}

func Default() State {
	return State{
		Version: SchemaVersion,
		Rows:    []tasks.WorkItem{},
		Done:    map[string]tasks.CompletionRecord{},
		Queue:   []tasks.Task{},
	}
}

func (s State) Clone() State {
	out := s
	if s.Client != nil {
		c := *s.Client
		out.Client = &c
	}
	if s.Active != nil {
		a := *s.Active
		out.Active = &a
	}
	out.Rows = append([]tasks.WorkItem{}, s.Rows...)
	out.Queue = append([]tasks.Task{}, s.Queue...)
	out.Done = make(map[string]tasks.CompletionRecord, len(s.Done))
	for k, v := range s.Done {
		out.Done[k] = v.Clone()
	}
	return out
}

func (s State) Attached() bool {
	return s.Client != nil && strings.TrimSpace(s.Client.TabID) != ""
}

func (s State) Row(itemID string) (tasks.WorkItem, bool) {
	for _, r := range s.Rows {
		if r.ItemID == itemID {
			return r, true
		}
	}
	return tasks.WorkItem{}, false
}

func (s State) Record(itemID string) tasks.CompletionRecord {
	return s.Done[itemID].Clone()
}

// Patch is one shallow change applied during a write.
type Patch func(*State)

func WithClient(c *ClientRef) Patch {
	return func(s *State) {
		if c == nil {
			s.Client = nil
			return
		}
		cp := *c
		s.Client = &cp
	}
}

func WithRows(rows []tasks.WorkItem) Patch {
	return func(s *State) { s.Rows = append([]tasks.WorkItem{}, rows...) }
}

func WithRunning(running bool) Patch {
	return func(s *State) { s.Running = running }
}

func WithActive(active *tasks.ActiveTask) Patch {
	return func(s *State) {
		if active == nil {
			s.Active = nil
			return
		}
		cp := *active
		s.Active = &cp
	}
}

func WithQueue(queue []tasks.Task) Patch {
	return func(s *State) { s.Queue = append([]tasks.Task{}, queue...) }
}

// WithRecord replaces the completion record of one item and stamps UpdatedAt.
func WithRecord(itemID string, rec tasks.CompletionRecord) Patch {
	return func(s *State) {
		if s.Done == nil {
			s.Done = map[string]tasks.CompletionRecord{}
		}
		rec = rec.Clone()
		rec.UpdatedAt = time.Now().UTC()
		s.Done[itemID] = rec
	}
}

func normalize(s State) State {
	if s.Version == 0 {
		s.Version = SchemaVersion
	}
	if s.Rows == nil {
		s.Rows = []tasks.WorkItem{}
	}
	if s.Done == nil {
		s.Done = map[string]tasks.CompletionRecord{}
	}
	if s.Queue == nil {
		s.Queue = []tasks.Task{}
	}
	return s
}
