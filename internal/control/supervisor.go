// Package control wires the mirroring components together and drives one run
// over every configured feed.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/podmirror/internal/core/config"
	"github.com/vietddude/podmirror/internal/core/ledger"
	"github.com/vietddude/podmirror/internal/health"
	"github.com/vietddude/podmirror/internal/infra/release"
	"github.com/vietddude/podmirror/internal/infra/storage"
	"github.com/vietddude/podmirror/internal/infra/storage/file"
	"github.com/vietddude/podmirror/internal/infra/tor"
	"github.com/vietddude/podmirror/internal/infra/ytdlp"
	"github.com/vietddude/podmirror/internal/mirroring/batch"
	"github.com/vietddude/podmirror/internal/mirroring/budget"
	"github.com/vietddude/podmirror/internal/mirroring/chain"
	"github.com/vietddude/podmirror/internal/mirroring/classify"
	"github.com/vietddude/podmirror/internal/mirroring/feed"
	"github.com/vietddude/podmirror/internal/mirroring/identity"
	"github.com/vietddude/podmirror/internal/mirroring/metrics"
	"github.com/vietddude/podmirror/internal/mirroring/pacing"
)

// ErrNoStrategies is returned when no strategy profile can run in this
// environment.
var ErrNoStrategies = errors.New("no usable strategy profiles")

// Deps are the external collaborators of a run.
type Deps struct {
	Scanner batch.Scanner
	Engine  chain.Engine
	Store   chain.Store
	// Control is nil when identity rotation is disabled.
	Control identity.ControlChannel
	Ledger  storage.LedgerRepository
	Sleep   pacing.SleepFunc
	Now     func() time.Time
	Getenv  func(string) string
}

// Summary is the result of one run.
type Summary struct {
	RunID         string
	Reports       []batch.Report
	Skipped       []string // feeds never started
	BudgetExpired bool
	Canceled      bool
	Duration      time.Duration
}

// Failed reports whether any feed ended with an error or a quarantined write.
func (s Summary) Failed() bool {
	for _, r := range s.Reports {
		if r.Err != nil || r.Quarantined {
			return true
		}
	}
	return false
}

// Supervisor runs every configured feed once, in order.
type Supervisor struct {
	cfg     *config.AppConfig
	deps    Deps
	closers []io.Closer
	log     *slog.Logger
}

// New creates a supervisor over explicit dependencies.
func New(cfg *config.AppConfig, deps Deps) *Supervisor {
	if deps.Sleep == nil {
		deps.Sleep = pacing.Sleep
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	return &Supervisor{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default().With("component", "supervisor"),
	}
}

// NewSupervisor builds the production dependencies from configuration:
// yt-dlp, the GitHub release store, the Tor controller and the ledger backend.
func NewSupervisor(ctx context.Context, cfg *config.AppConfig) (*Supervisor, error) {
	engine := ytdlp.NewEngine(cfg.Run.YtdlpPath, cfg.Run.EngineTimeout)
	if err := engine.CheckInstalled(); err != nil {
		return nil, err
	}

	store, err := release.NewStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to init artifact store: %w", err)
	}

	repo, ledgerCloser, err := OpenLedgerRepo(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Scanner: engine,
		Engine:  engine,
		Store:   store,
		Ledger:  repo,
	}
	closers := []io.Closer{ledgerCloser}

	if cfg.Tor.Enabled {
		ctrl, err := tor.NewController(cfg.Tor)
		if err != nil {
			_ = ledgerCloser.Close()
			return nil, fmt.Errorf("failed to init tor controller: %w", err)
		}
		deps.Control = ctrl
		closers = append(closers, ctrl)
	} else {
		slog.Info("Tor disabled, identity rotation off")
	}

	s := New(cfg, deps)
	s.closers = closers
	return s, nil
}

// Close releases connections opened by NewSupervisor.
func (s *Supervisor) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run processes every feed once. Per-feed failures are reported in the
// summary; the returned error is reserved for conditions that stop the whole
// run before any feed starts.
func (s *Supervisor) Run(ctx context.Context) (Summary, error) {
	cfg := s.cfg
	start := s.deps.Now()
	runID := uuid.NewString()
	sum := Summary{RunID: runID}
	log := s.log.With("run", runID)

	lock, err := file.AcquireRunLock(cfg.Run.StateDir, runID, cfg.Run.MaxDuration)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("Failed to release run lock", "error", err)
		}
	}()

	creds, err := MaterializeCookies(s.deps.Getenv(cfg.Run.CookiesEnv), cfg.Run.CookiesFile, cfg.Run.TempDir)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err := creds.Remove(); err != nil {
			log.Warn("Failed to remove cookies", "error", err)
		}
	}()

	b := budget.NewWithClock(cfg.Run.MaxDuration, s.deps.Now)
	log.Info("Run started",
		"feeds", len(cfg.Feeds),
		"budget", cfg.Run.MaxDuration,
		"deadline", b.Deadline().Format(time.RFC3339),
		"cookies", creds != nil,
	)

	if st, ok := s.deps.Store.(interface{ Init(context.Context) error }); ok {
		if err := st.Init(ctx); err != nil {
			return sum, classify.Infrastructure("artifact store unavailable", err)
		}
	}

	profiles := chain.Usable(cfg.Strategies, s.deps.Control != nil, creds != nil, log)
	if len(profiles) == 0 {
		return sum, ErrNoStrategies
	}

	rot := identity.NewRotator(s.deps.Control,
		identity.WithStabilize(cfg.Tor.Stabilize),
		identity.WithSleep(s.deps.Sleep),
		identity.WithLogger(log),
	)
	var chainRot chain.Rotator
	proxyURL := ""
	if rot.Enabled() {
		chainRot = rot
		proxyURL = cfg.Tor.ProxyURL()
		if id, err := rot.Current(ctx); err != nil {
			log.Warn("Egress identity unknown", "error", err)
		} else {
			log.Info("Egress identity", "identity", id.String())
		}
	}

	runner := chain.NewRunner(s.deps.Engine, s.deps.Store, chain.RunnerConfig{
		TempDir:          cfg.Run.TempDir,
		MinArtifactBytes: cfg.Run.MinArtifactBytes,
		ProxyURL:         proxyURL,
		CookiesPath:      creds.Path(),
	}, log)

	acquirer := chain.New(runner, chainRot, profiles, chain.Policy{
		MaxAttempts:        cfg.Defaults.MaxAttempts,
		SameProfileRetries: cfg.Defaults.SameProfileRetries,
		TransientPause:     cfg.Defaults.TransientPause,
	}, s.deps.Sleep, log)

	assembler := feed.NewAssembler(feed.Config{
		Dir:         cfg.Run.FeedsDir,
		SafetyFloor: cfg.Defaults.SafetyFloor,
		Backup:      cfg.Defaults.Backup,
		RunID:       runID,
	}, log)

	pace := pacing.DefaultConfig()
	pace.Base = cfg.Run.PaceBase
	pace.Max = cfg.Run.PaceMax

	controller := batch.NewController(s.deps.Scanner, acquirer, assembler, batch.Config{
		Cooldown: cfg.Run.Cooldown,
		Pacing:   pace,
	}, s.deps.Sleep, log)

	monitor := health.NewMonitor(runID, b.Remaining)
	controller.SetObserver(monitor)

	if cfg.Server.Port > 0 {
		srv := health.NewServer(monitor, cfg.Server.Port)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	for i, fc := range cfg.Feeds {
		if ctx.Err() != nil {
			sum.Canceled = true
			sum.Skipped = feedNames(cfg.Feeds[i:])
			log.Warn("Run cancelled, skipping remaining feeds", "skipped", len(sum.Skipped))
			break
		}
		if b.Expired() {
			sum.BudgetExpired = true
			sum.Skipped = feedNames(cfg.Feeds[i:])
			log.Warn("Run budget exhausted, skipping remaining feeds", "skipped", len(sum.Skipped))
			break
		}
		metrics.RunBudgetRemaining.Set(b.Remaining().Seconds())

		led, err := ledger.Open(ctx, s.deps.Ledger, fc.Name)
		if err != nil {
			log.Error("Ledger unavailable, skipping feed", "feed", fc.Name, "error", err)
			rep := batch.Report{
				Feed:  fc.Name,
				Phase: batch.PhaseDone,
				Err:   classify.Infrastructure("ledger unavailable", err),
			}
			monitor.RecordReport(rep)
			sum.Reports = append(sum.Reports, rep)
			continue
		}

		if fc.Link == "" {
			fc.Link = fmt.Sprintf("https://github.com/%s/%s", cfg.Store.Owner, cfg.Store.Repo)
		}

		rep := controller.Process(ctx, batch.RunContext{
			RunID:    runID,
			Budget:   b,
			Ledger:   led,
			Identity: rot,
		}, fc)
		monitor.RecordReport(rep)
		sum.Reports = append(sum.Reports, rep)

		if rep.BudgetExpired {
			sum.BudgetExpired = true
		}
		if rep.Canceled {
			sum.Canceled = true
		}
	}

	metrics.RunBudgetRemaining.Set(b.Remaining().Seconds())
	if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Warn("Failed to write metrics textfile", "error", err)
	}

	sum.Duration = s.deps.Now().Sub(start)
	log.Info("Run finished",
		"feeds", len(sum.Reports),
		"skipped", len(sum.Skipped),
		"rotations", rot.Rotations(),
		"budget_expired", sum.BudgetExpired,
		"canceled", sum.Canceled,
		"duration", sum.Duration,
	)
	return sum, nil
}

func feedNames(feeds []config.FeedConfig) []string {
	out := make([]string, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, f.Name)
	}
	return out
}
