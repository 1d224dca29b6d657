package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects which artifact format(s) a task targets.
type Mode string

const (
	ModePDF   Mode = "pdf"
	ModeISDOC Mode = "isdoc"
	ModeBoth  Mode = "both"
)

var ErrInvalidMode = errors.New("invalid mode")

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModePDF, ModeISDOC, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (expected pdf|isdoc|both)", ErrInvalidMode, raw)
	}
}

// Concrete reports whether the mode can be dispatched as-is.
func (m Mode) Concrete() bool {
	return m == ModePDF || m == ModeISDOC
}

// WorkItem is one discoverable row: an invoice and the order it belongs to.
type WorkItem struct {
	ItemID  string `json:"item_id"`
	GroupID string `json:"group_id"`
}

type Task struct {
	ItemID   string `json:"item_id"`
	Mode     Mode   `json:"mode"`
	Attempts int    `json:"attempts"`
}

// ActiveTask is the single dispatched task awaiting acknowledgment or completion.
type ActiveTask struct {
	ItemID    string    `json:"item_id"`
	GroupID   string    `json:"group_id"`
	Mode      Mode      `json:"mode"`
	RunID     string    `json:"run_id"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at"`
}

func (a ActiveTask) Task() Task {
	return Task{ItemID: a.ItemID, Mode: a.Mode, Attempts: a.Attempts}
}

// CompletionRecord tracks which formats of an item have been confirmed on disk.
// The PDF and ISDOC flags only ever go from false to true.
type CompletionRecord struct {
	GroupID     string    `json:"group_id"`
	PDF         bool      `json:"pdf"`
	ISDOC       bool      `json:"isdoc"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
	FailedModes []Mode    `json:"failed_modes,omitempty"`
}

func (r CompletionRecord) Clone() CompletionRecord {
	out := r
	if r.FailedModes != nil {
		out.FailedModes = make([]Mode, len(r.FailedModes))
		copy(out.FailedModes, r.FailedModes)
	}
	return out
}

// Merge ORs the detected flags into the record. It never clears a flag.
func (r CompletionRecord) Merge(pdf, isdoc bool) CompletionRecord {
	out := r.Clone()
	out.PDF = out.PDF || pdf
	out.ISDOC = out.ISDOC || isdoc
	if out.PDF {
		out.FailedModes = withoutMode(out.FailedModes, ModePDF)
	}
	if out.ISDOC {
		out.FailedModes = withoutMode(out.FailedModes, ModeISDOC)
	}
	if out.PDF && out.ISDOC {
		out.LastError = ""
	}
	return out
}

// MarkFailed records a terminal failure for a concrete mode.
func (r CompletionRecord) MarkFailed(mode Mode, reason string) CompletionRecord {
	out := r.Clone()
	out.LastError = reason
	if !out.Failed(mode) {
		out.FailedModes = append(out.FailedModes, mode)
	}
	return out
}

// ClearFailed forgets terminal failures for every concrete mode in mode.
func (r CompletionRecord) ClearFailed(mode Mode) CompletionRecord {
	out := r.Clone()
	for _, t := range Expand("", mode, 0) {
		out.FailedModes = withoutMode(out.FailedModes, t.Mode)
	}
	if len(out.FailedModes) == 0 {
		out.FailedModes = nil
	}
	return out
}

func (r CompletionRecord) Failed(mode Mode) bool {
	for _, m := range r.FailedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Equal compares the fields reconcile cares about; UpdatedAt is ignored.
func (r CompletionRecord) Equal(o CompletionRecord) bool {
	if r.GroupID != o.GroupID || r.PDF != o.PDF || r.ISDOC != o.ISDOC || r.LastError != o.LastError {
		return false
	}
	if len(r.FailedModes) != len(o.FailedModes) {
		return false
	}
	for i := range r.FailedModes {
		if r.FailedModes[i] != o.FailedModes[i] {
			return false
		}
	}
	return true
}

// Expand turns a mode into dispatchable tasks. Both becomes pdf then isdoc.
func Expand(itemID string, mode Mode, attempts int) []Task {
	if mode == ModeBoth {
		return []Task{
			{ItemID: itemID, Mode: ModePDF, Attempts: attempts},
			{ItemID: itemID, Mode: ModeISDOC, Attempts: attempts},
		}
	}
	return []Task{{ItemID: itemID, Mode: mode, Attempts: attempts}}
}

// Satisfied reports whether the record already covers mode.
func Satisfied(rec CompletionRecord, mode Mode) bool {
	switch mode {
	case ModePDF:
		return rec.PDF
	case ModeISDOC:
		return rec.ISDOC
	default:
		return rec.PDF && rec.ISDOC
	}
}

func withoutMode(in []Mode, mode Mode) []Mode {
	if len(in) == 0 {
		return in
	}
	out := make([]Mode, 0, len(in))
	for _, m := range in {
		if m != mode {
			out = append(out, m)
		}
	}
	return out
}
