package downloads

import (
	"path"
	"regexp"
	"strings"
	"sync/atomic"
)

// Layout is the fixed naming scheme of downloaded artifacts:
// {root}/{formatDir}/{groupID}/{itemID}.{ext}
type Layout struct {
	Root     string
	PDFDir   string
	ISDOCDir string
}

func DefaultLayout() Layout {
	return Layout{Root: "faktury", PDFDir: "invoice", ISDOCDir: "isdoc"}
}

// Prefixes are the target-path prefixes of one item, ending in the dot
// before the extension.
type Prefixes struct {
	PDF   string
	ISDOC string
}

func (l Layout) Prefixes(groupID, itemID string) Prefixes {
	return Prefixes{
		PDF:   path.Join(l.Root, l.PDFDir, groupID, itemID) + ".",
		ISDOC: path.Join(l.Root, l.ISDOCDir, groupID, itemID) + ".",
	}
}

// Patterns match complete artifact paths for each format, anchored at a
// path boundary and restricted to the known extensions.
func (p Prefixes) Patterns() (pdf, isdoc *regexp.Regexp) {
	pdf = regexp.MustCompile(`(^|[/\\])` + regexp.QuoteMeta(p.PDF) + `pdf$`)
	isdoc = regexp.MustCompile(`(^|[/\\])` + regexp.QuoteMeta(p.ISDOC) + `(isdoc|isdocx)$`)
	return pdf, isdoc
}

// HasTargetPrefix reports whether the entry path contains prefix starting
// at a path boundary.
func HasTargetPrefix(entryPath, prefix string) bool {
	p := normalizePath(entryPath)
	if prefix == "" || p == "" {
		return false
	}
	return strings.HasPrefix(p, prefix) || strings.Contains(p, "/"+prefix)
}

// Prediction is the item the next download event belongs to.
type Prediction struct {
	ItemID  string
	GroupID string
}

// PredictionCache is a single slot read without blocking by the naming hook.
type PredictionCache struct {
	v atomic.Pointer[Prediction]
}

func (c *PredictionCache) Set(p Prediction) {
	c.v.Store(&p)
}

func (c *PredictionCache) Clear() {
	c.v.Store(nil)
}

func (c *PredictionCache) Get() (Prediction, bool) {
	p := c.v.Load()
	if p == nil {
		return Prediction{}, false
	}
	return *p, true
}

// DownloadInfo is what the client knows about a download before naming it.
type DownloadInfo struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	URL      string `json:"url"`
}

type Suggestion struct {
	Filename       string `json:"filename"`
	ConflictAction string `json:"conflict_action"`
}

// Namer answers the client's filename-determination hook.
type Namer struct {
	layout Layout
	cache  *PredictionCache
}

func NewNamer(layout Layout, cache *PredictionCache) *Namer {
	return &Namer{layout: layout, cache: cache}
}

// Suggest maps an artifact download to its deterministic target path. It
// returns false when nothing is expected or the download is not an artifact.
func (n *Namer) Suggest(info DownloadInfo) (Suggestion, bool) {
	if n == nil || n.cache == nil {
		return Suggestion{}, false
	}
	pred, ok := n.cache.Get()
	if !ok {
		return Suggestion{}, false
	}
	return n.layout.Suggest(pred, info)
}

func (l Layout) Suggest(pred Prediction, info DownloadInfo) (Suggestion, bool) {
	fn := strings.ToLower(info.Filename)
	mime := strings.ToLower(info.MIME)
	url := strings.ToLower(info.URL)

	isPDF := strings.HasSuffix(fn, ".pdf") || strings.Contains(mime, "pdf") || strings.Contains(url, ".pdf")
	isISDOC := strings.Contains(fn, ".isdoc") || strings.Contains(url, ".isdoc")
	if !isPDF && !isISDOC {
		return Suggestion{}, false
	}

	ext := "isdoc"
	dir := l.ISDOCDir
	switch {
	case isPDF:
		ext = "pdf"
		dir = l.PDFDir
	case strings.Contains(fn, ".isdocx") || strings.Contains(url, ".isdocx"):
		ext = "isdocx"
	}
	return Suggestion{
		Filename:       path.Join(l.Root, dir, pred.GroupID, pred.ItemID) + "." + ext,
		ConflictAction: "overwrite",
	}, true
}
