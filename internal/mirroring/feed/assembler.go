// Package feed merges acquired episodes into a feed's podcast RSS document.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/mirroring/metrics"
)

// DefaultSafetyFloor is the entry count a feed must not fall to once it had more.
const DefaultSafetyFloor = 5

// ErrQuarantined is returned when a merge would drop the feed to its safety
// floor. The live document is left untouched.
var ErrQuarantined = errors.New("feed write quarantined")

// Config holds assembler settings.
type Config struct {
	Dir         string // directory holding <name>.xml
	SafetyFloor int
	Backup      bool // keep <name>.xml.bak of the previous document
	RunID       string
}

// Meta is the channel-level metadata of a feed.
type Meta struct {
	Title       string
	Description string
	Link        string
	Image       string
	// TitleHint is the scanned playlist title, used when Title is empty.
	TitleHint string
}

// Result describes one merge.
type Result struct {
	Path           string
	Pre            int // entries in the on-disk document before the merge
	Post           int // entries in the merged document
	Added          int
	Dropped        int // existing entries the serializer rejected
	BackupPath     string
	CorruptPath    string
	QuarantinePath string
}

// Assembler is the only writer of feed documents.
type Assembler struct {
	cfg Config
	now func() time.Time
	log *slog.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(cfg Config, log *slog.Logger) *Assembler {
	if cfg.SafetyFloor < 0 {
		cfg.SafetyFloor = DefaultSafetyFloor
	}
	if cfg.RunID == "" {
		cfg.RunID = "manual"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{cfg: cfg, now: time.Now, log: log.With("component", "feed")}
}

// Path returns the document path of a feed.
func (a *Assembler) Path(name string) string {
	return filepath.Join(a.cfg.Dir, name+".xml")
}

// Merge loads the feed, places episodes ahead of the existing entries and
// writes the document back, unless the guard refuses the write.
func (a *Assembler) Merge(ctx context.Context, name string, meta Meta, episodes []domain.Episode) (Result, error) {
	log := a.log.With("feed", name)
	res := Result{Path: a.Path(name)}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return res, fmt.Errorf("create feeds dir: %w", err)
	}

	raw, err := os.ReadFile(res.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, fmt.Errorf("read feed %s: %w", name, err)
	}
	res.Pre = CountItems(raw)

	existing, err := a.load(raw)
	if err != nil {
		res.CorruptPath = fmt.Sprintf("%s.corrupt-%s", res.Path, a.now().UTC().Format("20060102T150405Z"))
		if werr := os.WriteFile(res.CorruptPath, raw, 0o644); werr != nil {
			return res, fmt.Errorf("back up corrupt feed %s: %w", name, werr)
		}
		log.Warn("Existing feed is corrupt, starting empty", "backup", res.CorruptPath, "error", err)
		existing = nil
	}

	channel := channelMeta(name, meta, existing)
	entries := mergeEntries(episodes, existingEpisodes(existing))
	res.Added = len(episodes)

	out, dropped, err := render(channel, entries, a.now())
	if err != nil {
		return res, fmt.Errorf("render feed %s: %w", name, err)
	}
	for _, d := range dropped {
		log.Warn("Dropping entry rejected by serializer", "item", d.id, "error", d.err)
	}
	res.Dropped = len(dropped)
	res.Post = CountItems(out)

	if res.Pre > a.cfg.SafetyFloor && res.Post <= a.cfg.SafetyFloor {
		res.QuarantinePath = fmt.Sprintf("%s.quarantine-%s", res.Path, a.cfg.RunID)
		if err := writeAtomic(res.QuarantinePath, out); err != nil {
			return res, fmt.Errorf("write quarantine for %s: %w", name, err)
		}
		metrics.FeedQuarantines.WithLabelValues(name).Inc()
		log.Error("Refusing to shrink feed, wrote quarantine file",
			"pre", res.Pre,
			"post", res.Post,
			"floor", a.cfg.SafetyFloor,
			"quarantine", res.QuarantinePath,
		)
		return res, ErrQuarantined
	}

	if a.cfg.Backup && len(raw) > 0 {
		res.BackupPath = res.Path + ".bak"
		if err := writeAtomic(res.BackupPath, raw); err != nil {
			return res, fmt.Errorf("back up feed %s: %w", name, err)
		}
	}

	if err := writeAtomic(res.Path, out); err != nil {
		return res, fmt.Errorf("write feed %s: %w", name, err)
	}
	metrics.FeedEntries.WithLabelValues(name).Set(float64(res.Post))
	log.Info("Feed written", "path", res.Path, "pre", res.Pre, "post", res.Post, "added", res.Added)
	return res, nil
}

// Count returns the entry count of the on-disk document.
func (a *Assembler) Count(name string) (int, error) {
	raw, err := os.ReadFile(a.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return CountItems(raw), nil
}

func (a *Assembler) load(raw []byte) (*gofeed.Feed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return gofeed.NewParser().Parse(bytes.NewReader(raw))
}

// mergeEntries puts fresh episodes first, newest first, followed by the
// existing entries in document order. A fresh episode replaces an existing
// entry with the same GUID.
func mergeEntries(fresh, existing []domain.Episode) []domain.Episode {
	sorted := make([]domain.Episode, len(fresh))
	copy(sorted, fresh)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.After(sorted[j].PublishedAt)
	})

	seen := make(map[string]bool, len(sorted)+len(existing))
	out := make([]domain.Episode, 0, len(sorted)+len(existing))
	for _, e := range sorted {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	for _, e := range existing {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func channelMeta(name string, meta Meta, existing *gofeed.Feed) Meta {
	if existing != nil {
		if meta.Link == "" {
			meta.Link = existing.Link
		}
		if meta.Description == "" {
			meta.Description = existing.Description
		}
		if meta.Image == "" && existing.Image != nil {
			meta.Image = existing.Image.URL
		}
	}
	if meta.Title == "" {
		meta.Title = meta.TitleHint
	}
	if meta.Title == "" && existing != nil {
		meta.Title = existing.Title
	}
	if meta.Title == "" {
		meta.Title = "Podcast " + name
	}
	if meta.Description == "" {
		meta.Description = meta.Title
	}
	return meta
}

// writeAtomic writes data to a temp file in the target's directory, syncs it
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
