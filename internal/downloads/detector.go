package downloads

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

const (
	defaultRecentLimit   = 80
	defaultFallbackLimit = 500
)

// Flags are the formats found in the record store for one item.
type Flags struct {
	PDF   bool `json:"pdf"`
	ISDOC bool `json:"isdoc"`
}

func (f Flags) Or(o Flags) Flags {
	return Flags{PDF: f.PDF || o.PDF, ISDOC: f.ISDOC || o.ISDOC}
}

func (f Flags) Match(entryPath string, p Prefixes) Flags {
	return Flags{
		PDF:   f.PDF || HasTargetPrefix(entryPath, p.PDF),
		ISDOC: f.ISDOC || HasTargetPrefix(entryPath, p.ISDOC),
	}
}

type DetectorConfig struct {
	Layout        Layout
	RecentLimit   int
	FallbackLimit int
}

// Detector infers completion from the download history and folds what it
// finds into the session's completion records.
type Detector struct {
	store         RecordStore
	state         *state.Accessor
	layout        Layout
	recentLimit   int
	fallbackLimit int
}

func NewDetector(store RecordStore, accessor *state.Accessor, cfg DetectorConfig) *Detector {
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout()
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = defaultFallbackLimit
	}
	return &Detector{
		store:         store,
		state:         accessor,
		layout:        cfg.Layout,
		recentLimit:   cfg.RecentLimit,
		fallbackLimit: cfg.FallbackLimit,
	}
}

// DetectFromStore looks up both formats of an item. A failing pattern query
// falls back to a prefix scan over a bounded window of recent entries.
func (d *Detector) DetectFromStore(ctx context.Context, groupID, itemID string) (Flags, error) {
	prefixes := d.layout.Prefixes(groupID, itemID)
	pdfPattern, isdocPattern := prefixes.Patterns()

	var found Flags
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := d.store.QueryCompleted(gctx, pdfPattern, 1)
		if err != nil {
			return fmt.Errorf("query pdf: %w", err)
		}
		found.PDF = len(entries) > 0
		return nil
	})
	g.Go(func() error {
		entries, err := d.store.QueryCompleted(gctx, isdocPattern, 1)
		if err != nil {
			return fmt.Errorf("query isdoc: %w", err)
		}
		found.ISDOC = len(entries) > 0
		return nil
	})
	queryErr := g.Wait()
	if queryErr == nil {
		return found, nil
	}
	if errors.Is(queryErr, context.Canceled) && ctx.Err() != nil {
		return Flags{}, ctx.Err()
	}

	fallback, err := d.scan(ctx, prefixes, d.fallbackLimit)
	if err != nil {
		return Flags{}, errors.Join(queryErr, err)
	}
	return fallback, nil
}

// Scan probes the recent window of the history for completed artifacts of
// an item. It is the cheap check repeated while polling.
func (d *Detector) Scan(ctx context.Context, groupID, itemID string) (Flags, error) {
	return d.scan(ctx, d.layout.Prefixes(groupID, itemID), d.recentLimit)
}

func (d *Detector) scan(ctx context.Context, prefixes Prefixes, limit int) (Flags, error) {
	entries, err := d.store.QueryRecent(ctx, limit)
	if err != nil {
		return Flags{}, fmt.Errorf("query recent: %w", err)
	}
	var found Flags
	for _, e := range entries {
		if e.State != EntryComplete {
			continue
		}
		found = found.Match(e.Path, prefixes)
		if found.PDF && found.ISDOC {
			break
		}
	}
	return found, nil
}

// Reconcile merges the store's view of an item into its completion record
// and persists the record when anything changed. Flags are never cleared.
func (d *Detector) Reconcile(ctx context.Context, item tasks.WorkItem) (tasks.CompletionRecord, error) {
	found, err := d.DetectFromStore(ctx, item.GroupID, item.ItemID)
	if err != nil {
		if ctx.Err() != nil {
			return tasks.CompletionRecord{}, ctx.Err()
		}
		// Unavailable history reads as "nothing found" so work is not lost.
		found = Flags{}
	}
	return d.Merge(ctx, item, found)
}

// Merge ORs found into the persisted record of item.
func (d *Detector) Merge(ctx context.Context, item tasks.WorkItem, found Flags) (tasks.CompletionRecord, error) {
	st, err := d.state.Read(ctx)
	if err != nil {
		return tasks.CompletionRecord{}, err
	}
	prev := st.Record(item.ItemID)
	merged := mergeRecord(prev, item.GroupID, found)
	if merged.Equal(prev) {
		return prev, nil
	}

	var out tasks.CompletionRecord
	_, err = d.state.Write(ctx, func(s *state.State) {
		out = mergeRecord(s.Record(item.ItemID), item.GroupID, found)
		state.WithRecord(item.ItemID, out)(s)
		out = s.Done[item.ItemID]
	})
	if err != nil {
		return tasks.CompletionRecord{}, err
	}
	return out, nil
}

func mergeRecord(rec tasks.CompletionRecord, groupID string, found Flags) tasks.CompletionRecord {
	out := rec.Merge(found.PDF, found.ISDOC)
	if groupID != "" {
		out.GroupID = groupID
	}
	return out
}
