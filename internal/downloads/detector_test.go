package downloads

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

type failingCompletedStore struct {
	*History
}

func (s failingCompletedStore) QueryCompleted(context.Context, *regexp.Regexp, int) ([]Entry, error) {
	return nil, errors.New("history unavailable")
}

func testLayout() Layout {
	return Layout{PDFDir: "invoice", ISDOCDir: "isdoc"}
}

func mustRecord(t *testing.T, h *History, path string, st EntryState) {
	t.Helper()
	if _, err := h.Record(Entry{Path: path, State: st}); err != nil {
		t.Fatalf("Record(%q) error = %v", path, err)
	}
}

func TestPrefixesAndPatterns(t *testing.T) {
	p := DefaultLayout().Prefixes("55", "100")
	if p.PDF != "faktury/invoice/55/100." {
		t.Fatalf("PDF prefix = %q", p.PDF)
	}
	if p.ISDOC != "faktury/isdoc/55/100." {
		t.Fatalf("ISDOC prefix = %q", p.ISDOC)
	}

	pdf, isdoc := p.Patterns()
	cases := []struct {
		re   *regexp.Regexp
		path string
		want bool
	}{
		{pdf, "/home/u/Downloads/faktury/invoice/55/100.pdf", true},
		{pdf, `C:\Users\u\Downloads\faktury/invoice/55/100.pdf`, true},
		{pdf, "faktury/invoice/55/1000.pdf", false},
		{pdf, "x/afaktury/invoice/55/100.pdf", false},
		{pdf, "faktury/invoice/55/100.pdf.crdownload", false},
		{isdoc, "faktury/isdoc/55/100.isdoc", true},
		{isdoc, "faktury/isdoc/55/100.isdocx", true},
		{isdoc, "faktury/isdoc/55/100.xml", false},
	}
	for _, tc := range cases {
		if got := tc.re.MatchString(tc.path); got != tc.want {
			t.Fatalf("%s.MatchString(%q) = %v, want %v", tc.re, tc.path, got, tc.want)
		}
	}
}

func TestHasTargetPrefixRequiresBoundary(t *testing.T) {
	if !HasTargetPrefix("invoice/55/100.pdf", "invoice/55/100.") {
		t.Fatalf("expected prefix at start to match")
	}
	if !HasTargetPrefix(`D:\dl\invoice\55\100.pdf`, "invoice/55/100.") {
		t.Fatalf("expected backslash path to match")
	}
	if HasTargetPrefix("reinvoice/55/100.pdf", "invoice/55/100.") {
		t.Fatalf("expected mid-segment prefix to be rejected")
	}
	if HasTargetPrefix("invoice/55/100.pdf", "") {
		t.Fatalf("empty prefix must not match")
	}
}

func TestDetectFromStore(t *testing.T) {
	h := NewHistory(0)
	mustRecord(t, h, "invoice/55/100.pdf", EntryComplete)
	mustRecord(t, h, "isdoc/55/100.isdoc", EntryInProgress)
	d := NewDetector(h, state.NewAccessor(nil, ""), DetectorConfig{Layout: testLayout()})

	got, err := d.DetectFromStore(context.Background(), "55", "100")
	if err != nil {
		t.Fatalf("DetectFromStore() error = %v", err)
	}
	if !got.PDF || got.ISDOC {
		t.Fatalf("DetectFromStore() = %+v, want pdf only", got)
	}
}

func TestDetectFromStoreFallsBackToRecentScan(t *testing.T) {
	h := NewHistory(0)
	mustRecord(t, h, "isdoc/55/100.isdocx", EntryComplete)
	mustRecord(t, h, "invoice/55/100.pdf", EntryInterrupted)
	d := NewDetector(failingCompletedStore{h}, state.NewAccessor(nil, ""), DetectorConfig{Layout: testLayout()})

	got, err := d.DetectFromStore(context.Background(), "55", "100")
	if err != nil {
		t.Fatalf("DetectFromStore() error = %v", err)
	}
	if got.PDF || !got.ISDOC {
		t.Fatalf("DetectFromStore() = %+v, want isdoc only", got)
	}
}

func TestReconcileNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	acc := state.NewAccessor(nil, "")
	if _, err := acc.Write(ctx, state.WithRecord("100", tasks.CompletionRecord{GroupID: "55", PDF: true, LastError: "ack timeout"})); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	h := NewHistory(0)
	d := NewDetector(h, acc, DetectorConfig{Layout: testLayout()})
	item := tasks.WorkItem{ItemID: "100", GroupID: "55"}

	rec, err := d.Reconcile(ctx, item)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !rec.PDF || rec.ISDOC {
		t.Fatalf("Reconcile() = %+v, want pdf kept and isdoc false", rec)
	}
	if rec.LastError != "ack timeout" {
		t.Fatalf("LastError = %q, want kept until both flags are set", rec.LastError)
	}

	mustRecord(t, h, "isdoc/55/100.isdoc", EntryComplete)
	rec, err = d.Reconcile(ctx, item)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !rec.PDF || !rec.ISDOC {
		t.Fatalf("Reconcile() = %+v, want both flags", rec)
	}
	if rec.LastError != "" {
		t.Fatalf("LastError = %q, want cleared", rec.LastError)
	}

	st, err := acc.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := st.Done["100"]; !got.PDF || !got.ISDOC || got.GroupID != "55" {
		t.Fatalf("persisted record = %+v", got)
	}
}

func TestReconcileSkipsWriteWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	acc := state.NewAccessor(nil, "")
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := acc.Write(ctx, func(s *state.State) {
		s.Done["100"] = tasks.CompletionRecord{GroupID: "55", PDF: true, UpdatedAt: stamp}
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	h := NewHistory(0)
	mustRecord(t, h, "invoice/55/100.pdf", EntryComplete)
	d := NewDetector(h, acc, DetectorConfig{Layout: testLayout()})

	rec, err := d.Reconcile(ctx, tasks.WorkItem{ItemID: "100", GroupID: "55"})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !rec.UpdatedAt.Equal(stamp) {
		t.Fatalf("UpdatedAt = %v, want untouched %v", rec.UpdatedAt, stamp)
	}
}

func TestScanUsesRecentWindow(t *testing.T) {
	h := NewHistory(0)
	base := time.Now().Add(-time.Hour)
	if _, err := h.Record(Entry{Path: "invoice/55/100.pdf", State: EntryComplete, StartedAt: base}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.Record(Entry{Path: "other.pdf", State: EntryComplete, StartedAt: base.Add(time.Duration(i+1) * time.Minute)}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	d := NewDetector(h, state.NewAccessor(nil, ""), DetectorConfig{Layout: testLayout(), RecentLimit: 2})

	got, err := d.Scan(context.Background(), "55", "100")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if got.PDF {
		t.Fatalf("Scan() found an entry outside the recent window")
	}
}
