// Package chain runs acquisition attempts and walks the strategy chain for
// one item.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/mirroring/classify"
	"github.com/vietddude/podmirror/internal/mirroring/metrics"
)

// DefaultMinArtifactBytes rejects truncated or placeholder downloads.
const DefaultMinArtifactBytes = 100 * 1024

// Engine resolves an item and materializes its audio locally.
type Engine interface {
	Materialize(
		ctx context.Context,
		item domain.CandidateItem,
		params domain.EngineParams,
		workDir string,
	) (string, domain.CandidateItem, error)
}

// Store uploads an artifact and returns its public URL. An existing asset
// with the same name is overwritten.
type Store interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// RunnerConfig holds attempt runner settings.
type RunnerConfig struct {
	TempDir          string
	MinArtifactBytes int64
	ProxyURL         string // used by RouteTor profiles
	CookiesPath      string // used by profiles with UseCookies
}

// Runner drives one (item, profile) pair through the engine and the store.
type Runner struct {
	engine Engine
	store  Store
	cfg    RunnerConfig
	log    *slog.Logger
}

// NewRunner creates an attempt runner.
func NewRunner(engine Engine, store Store, cfg RunnerConfig, log *slog.Logger) *Runner {
	if cfg.MinArtifactBytes <= 0 {
		cfg.MinArtifactBytes = DefaultMinArtifactBytes
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "podmirror")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{engine: engine, store: store, cfg: cfg, log: log.With("component", "runner")}
}

// Params derives the engine parameters for a profile.
func (r *Runner) Params(p domain.StrategyProfile) domain.EngineParams {
	params := domain.EngineParams{
		PlayerClient: p.PlayerClient,
		Format:       p.Format,
	}
	if p.Route == domain.RouteTor {
		params.ProxyURL = r.cfg.ProxyURL
	}
	if p.UseCookies {
		params.CookiesPath = r.cfg.CookiesPath
	}
	return params
}

// Attempt runs a single acquisition. The item's work dir is removed before
// returning, whatever the outcome.
func (r *Runner) Attempt(ctx context.Context, item domain.CandidateItem, p domain.StrategyProfile) domain.Outcome {
	start := time.Now()
	defer func() {
		metrics.AttemptDuration.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
	}()

	if err := os.MkdirAll(r.cfg.TempDir, 0o755); err != nil {
		return domain.Failure(domain.KindInfrastructure, fmt.Sprintf("create temp root: %v", err))
	}
	workDir, err := os.MkdirTemp(r.cfg.TempDir, "item-"+safeName(item.ID)+"-")
	if err != nil {
		return domain.Failure(domain.KindInfrastructure, fmt.Sprintf("create work dir: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			r.log.Warn("Failed to remove work dir", "dir", workDir, "error", err)
		}
	}()

	path, meta, err := r.engine.Materialize(ctx, item, r.Params(p), workDir)
	if err != nil {
		return domain.Failure(classify.FromError(err), err.Error())
	}

	path, size, err := locateArtifact(path, workDir, item.ID)
	if err != nil {
		return domain.Failure(domain.KindTransient, err.Error())
	}
	if size < r.cfg.MinArtifactBytes {
		return domain.Failure(domain.KindTransient,
			fmt.Sprintf("artifact %s is %d bytes, below the %d byte minimum", filepath.Base(path), size, r.cfg.MinArtifactBytes))
	}

	url, err := r.store.Upload(ctx, path)
	if err != nil {
		return domain.Failure(domain.KindInfrastructure, fmt.Sprintf("upload: %v", err))
	}

	return domain.Success(domain.Artifact{
		ItemID:   item.ID,
		Name:     filepath.Base(path),
		URL:      url,
		Size:     size,
		MimeType: mimeFor(path),
		Metadata: meta,
	})
}

// locateArtifact returns the expected file, or the first media file named
// after the item when the engine picked another extension.
func locateArtifact(path, workDir, id string) (string, int64, error) {
	if path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, info.Size(), nil
		}
	}
	matches, _ := filepath.Glob(filepath.Join(workDir, safeGlob(id)+".*"))
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".part", ".json", ".ytdl", ".webp", ".jpg", ".png":
			continue
		}
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return m, info.Size(), nil
		}
	}
	return "", 0, fmt.Errorf("artifact for %s is missing", id)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func safeName(id string) string {
	s := unsafeChars.ReplaceAllString(id, "_")
	if s == "" {
		return "item"
	}
	return s
}

func safeGlob(id string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`)
	return r.Replace(id)
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".opus", ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
