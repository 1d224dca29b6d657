package downloads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var partialSuffixes = []string{".crdownload", ".part", ".download", ".tmp"}

// DirStore derives the download history from the files under a directory.
// Files still carrying a browser partial-download suffix are in progress.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("download dir is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat download dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("download dir %q is not a directory", root)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) QueryCompleted(ctx context.Context, pattern *regexp.Regexp, limit int) ([]Entry, error) {
	all, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.State != EntryComplete {
			continue
		}
		if pattern != nil && !pattern.MatchString(e.Path) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *DirStore) QueryRecent(ctx context.Context, limit int) ([]Entry, error) {
	all, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// scan walks the tree and returns entries newest first.
func (d *DirStore) scan(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		state := EntryComplete
		for _, suffix := range partialSuffixes {
			if strings.HasSuffix(strings.ToLower(rel), suffix) {
				state = EntryInProgress
				rel = rel[:len(rel)-len(suffix)]
				break
			}
		}
		out = append(out, Entry{
			ID:        rel,
			Path:      rel,
			State:     state,
			StartedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan download dir: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
