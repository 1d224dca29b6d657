package downloads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNamerSuggest(t *testing.T) {
	cache := &PredictionCache{}
	n := NewNamer(DefaultLayout(), cache)

	if _, ok := n.Suggest(DownloadInfo{Filename: "x.pdf"}); ok {
		t.Fatalf("Suggest() without prediction should decline")
	}

	cache.Set(Prediction{ItemID: "100", GroupID: "55"})
	cases := []struct {
		info DownloadInfo
		want string
		ok   bool
	}{
		{DownloadInfo{Filename: "Faktura.PDF"}, "faktury/invoice/55/100.pdf", true},
		{DownloadInfo{Filename: "download", MIME: "application/pdf"}, "faktury/invoice/55/100.pdf", true},
		{DownloadInfo{Filename: "blob", URL: "https://x/doc.isdocx?id=1"}, "faktury/isdoc/55/100.isdocx", true},
		{DownloadInfo{Filename: "100.isdoc"}, "faktury/isdoc/55/100.isdoc", true},
		{DownloadInfo{Filename: "report.csv", MIME: "text/csv"}, "", false},
	}
	for _, tc := range cases {
		got, ok := n.Suggest(tc.info)
		if ok != tc.ok || got.Filename != tc.want {
			t.Fatalf("Suggest(%+v) = %q,%v want %q,%v", tc.info, got.Filename, ok, tc.want, tc.ok)
		}
		if ok && got.ConflictAction != "overwrite" {
			t.Fatalf("ConflictAction = %q, want overwrite", got.ConflictAction)
		}
	}

	cache.Clear()
	if _, ok := cache.Get(); ok {
		t.Fatalf("Get() after Clear() should be empty")
	}
}

func TestHistoryRecordValidatesAndEvicts(t *testing.T) {
	h := NewHistory(2)
	if _, err := h.Record(Entry{State: EntryComplete}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("Record() error = %v, want ErrInvalidEntry", err)
	}
	if _, err := h.Record(Entry{Path: "a.pdf", State: "bogus"}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("Record() error = %v, want ErrInvalidEntry", err)
	}

	first, err := h.Record(Entry{ID: "1", Path: "a.pdf"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.State != EntryInProgress {
		t.Fatalf("default state = %q, want in_progress", first.State)
	}
	if _, err := h.Record(Entry{ID: "1", Path: "a.pdf", State: "COMPLETE"}); err != nil {
		t.Fatalf("Record() update error = %v", err)
	}
	got, _ := h.QueryCompleted(context.Background(), nil, 0)
	if len(got) != 1 || !got[0].StartedAt.Equal(first.StartedAt) {
		t.Fatalf("QueryCompleted() = %+v", got)
	}

	_, _ = h.Record(Entry{ID: "2", Path: "b.pdf"})
	_, _ = h.Record(Entry{ID: "3", Path: "c.pdf"})
	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
	if got, _ := h.QueryCompleted(context.Background(), nil, 0); len(got) != 0 {
		t.Fatalf("oldest entry should have been evicted, got %+v", got)
	}
}

func TestDirStoreScansPartialDownloads(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"invoice/55/100.pdf", "isdoc/55/100.isdoc.crdownload"} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore() error = %v", err)
	}

	d := NewDetector(store, nil, DetectorConfig{Layout: testLayout()})
	got, err := d.DetectFromStore(context.Background(), "55", "100")
	if err != nil {
		t.Fatalf("DetectFromStore() error = %v", err)
	}
	if !got.PDF || got.ISDOC {
		t.Fatalf("DetectFromStore() = %+v, want pdf only", got)
	}

	recent, err := store.QueryRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("QueryRecent() error = %v", err)
	}
	var partial bool
	for _, e := range recent {
		if e.Path == "isdoc/55/100.isdoc" && e.State == EntryInProgress {
			partial = true
		}
	}
	if !partial {
		t.Fatalf("QueryRecent() = %+v, want in-progress isdoc entry", recent)
	}

	if _, err := NewDirStore(filepath.Join(root, "missing")); err == nil {
		t.Fatalf("NewDirStore() on missing dir should fail")
	}
}
