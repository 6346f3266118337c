// Package batch processes one feed: scan, filter, acquire within quota,
// one retry pass, then hand the results to the feed assembler.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/config"
	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/core/ledger"
	"github.com/vietddude/podmirror/internal/mirroring/budget"
	"github.com/vietddude/podmirror/internal/mirroring/chain"
	"github.com/vietddude/podmirror/internal/mirroring/feed"
	"github.com/vietddude/podmirror/internal/mirroring/metrics"
	"github.com/vietddude/podmirror/internal/mirroring/pacing"
)

const (
	DefaultQuota    = 3
	DefaultWindow   = 15
	DefaultCooldown = 45 * time.Second
)

// Scanner lists the items of a source.
type Scanner interface {
	ListItems(ctx context.Context, sourceURL string) (domain.ScanResult, error)
}

// Acquirer walks the strategy chain for one item.
type Acquirer interface {
	Acquire(ctx context.Context, item domain.CandidateItem, regions []string) chain.Result
}

// Rotator changes the outbound network identity.
type Rotator interface {
	Enabled() bool
	Rotate(ctx context.Context, regions []string) error
	// Regions returns the pin applied by the last rotation.
	Regions() []string
}

// Assembler writes the feed document.
type Assembler interface {
	Merge(ctx context.Context, name string, meta feed.Meta, episodes []domain.Episode) (feed.Result, error)
}

// Observer receives progress updates.
type Observer interface {
	FeedPhase(feed string, phase Phase)
	ItemDone(feed, itemID, outcome string)
}

// RunContext carries the run-scoped handles a feed is processed with.
type RunContext struct {
	RunID    string
	Budget   *budget.Budget
	Ledger   *ledger.Ledger
	Identity Rotator
}

// Config holds controller settings.
type Config struct {
	Cooldown time.Duration
	Pacing   pacing.Config
}

// Controller runs the per-feed state machine. It is not safe for concurrent
// use; feeds are processed one at a time.
type Controller struct {
	scanner   Scanner
	acquirer  Acquirer
	assembler Assembler
	cfg       Config
	sleep     pacing.SleepFunc
	now       func() time.Time
	observer  Observer
	log       *slog.Logger
}

// NewController creates a controller. A nil sleep uses pacing.Sleep.
func NewController(
	scanner Scanner,
	acquirer Acquirer,
	assembler Assembler,
	cfg Config,
	sleep pacing.SleepFunc,
	log *slog.Logger,
) *Controller {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if sleep == nil {
		sleep = pacing.Sleep
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		scanner:   scanner,
		acquirer:  acquirer,
		assembler: assembler,
		cfg:       cfg,
		sleep:     sleep,
		now:       time.Now,
		log:       log.With("component", "batch"),
	}
}

// SetObserver registers a progress observer.
func (c *Controller) SetObserver(o Observer) {
	c.observer = o
}

type acquisition struct {
	item     domain.CandidateItem
	artifact domain.Artifact
}

// feedRun is the mutable state of one Process call.
type feedRun struct {
	rc       RunContext
	feed     config.FeedConfig
	quota    int
	pacer    *pacing.Pacer
	acquired []acquisition
	rep      *Report
	log      *slog.Logger
}

// Process runs Scanning, Filtering, Acquiring, RetryPhase and Finalizing for
// one feed. Item failures never escape; they are counted in the report.
func (c *Controller) Process(ctx context.Context, rc RunContext, fc config.FeedConfig) Report {
	start := c.now()
	rep := Report{Feed: fc.Name}
	log := c.log.With("feed", fc.Name)

	quota := fc.Quota
	if quota <= 0 {
		quota = DefaultQuota
	}
	window := fc.Window
	if window <= 0 {
		window = DefaultWindow
	}

	c.enter(&rep, PhaseScanning)
	scanned, hint := c.scan(ctx, fc, &rep, log)

	c.enter(&rep, PhaseFiltering)
	candidates := filter(scanned, rc.Ledger, fc.Categories, window, &rep)
	rep.Candidates = len(candidates)
	log.Info("Feed scanned",
		"scanned", rep.Scanned,
		"skipped", rep.Skipped,
		"filtered", rep.Filtered,
		"candidates", rep.Candidates,
		"quota", quota,
		"window", window,
	)

	run := &feedRun{
		rc:    rc,
		feed:  fc,
		quota: quota,
		pacer: pacing.New(c.cfg.Pacing, c.sleep),
		rep:   &rep,
		log:   log,
	}

	if len(candidates) > 0 {
		c.enter(&rep, PhaseAcquiring)
		c.pinIdentity(ctx, run)

		retry, stopped := c.acquire(ctx, run, candidates, true)

		if !stopped && len(run.acquired) < quota && len(retry) > 0 {
			c.enter(&rep, PhaseRetry)
			log.Info("Cooling down before retry pass", "queued", len(retry), "cooldown", c.cfg.Cooldown)
			if err := c.sleep(ctx, c.cfg.Cooldown); err != nil {
				rep.Canceled = true
			} else {
				c.acquire(ctx, run, retry, false)
			}
		}
	}

	// Finalizing runs even when the run was cancelled or out of budget.
	c.enter(&rep, PhaseFinalizing)
	c.finalize(context.WithoutCancel(ctx), run, hint)

	rep.Unresolved = rep.Candidates - rep.Published - rep.Blacklisted
	if rep.Unresolved < 0 {
		rep.Unresolved = 0
	}
	rep.Duration = c.now().Sub(start)
	c.enter(&rep, PhaseDone)

	log.Info("Feed processed",
		"acquired", rep.Acquired,
		"published", rep.Published,
		"blacklisted", rep.Blacklisted,
		"deferred", rep.Deferred,
		"unresolved", rep.Unresolved,
		"rotations", rep.Rotations,
		"budget_expired", rep.BudgetExpired,
		"quarantined", rep.Quarantined,
		"duration", rep.Duration,
	)
	return rep
}

func (c *Controller) enter(rep *Report, p Phase) {
	rep.Phase = p
	if c.observer != nil {
		c.observer.FeedPhase(rep.Feed, p)
	}
}

func (c *Controller) itemDone(run *feedRun, id, outcome string) {
	metrics.ItemsResolved.WithLabelValues(run.feed.Name, outcome).Inc()
	if c.observer != nil {
		c.observer.ItemDone(run.feed.Name, id, outcome)
	}
}

// scan lists every source in order, de-duplicating ids across sources. A
// failed source is logged and skipped.
func (c *Controller) scan(ctx context.Context, fc config.FeedConfig, rep *Report, log *slog.Logger) ([]domain.CandidateItem, string) {
	var (
		items []domain.CandidateItem
		hint  string
		seen  = make(map[string]bool)
	)
	sources := fc.SourceList()
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		res, err := c.scanner.ListItems(ctx, src.URL)
		if err != nil {
			rep.ScanErrors++
			metrics.ScanErrors.WithLabelValues(fc.Name).Inc()
			log.Warn("Source scan failed", "source", src.URL, "error", err)
			continue
		}
		if hint == "" {
			hint = res.Title
		}
		for _, it := range res.Items {
			if it.ID == "" || seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, it)
		}
	}
	rep.Scanned = len(items)
	metrics.ItemsScanned.WithLabelValues(fc.Name).Add(float64(len(items)))

	if len(sources) > 0 && rep.ScanErrors == len(sources) {
		rep.Err = fmt.Errorf("all %d sources failed to scan", len(sources))
	}
	return items, hint
}

// filter drops resolved ids and items outside the wanted categories, then
// truncates to the search window.
func filter(
	items []domain.CandidateItem,
	l *ledger.Ledger,
	categories []string,
	window int,
	rep *Report,
) []domain.CandidateItem {
	out := make([]domain.CandidateItem, 0, min(len(items), window))
	for _, it := range items {
		if l != nil && l.Contains(it.ID) {
			rep.Skipped++
			continue
		}
		if !matchesCategories(it, categories) {
			rep.Filtered++
			continue
		}
		if len(out) >= window {
			break
		}
		out = append(out, it)
	}
	return out
}

// matchesCategories keeps items with unknown categories.
func matchesCategories(it domain.CandidateItem, wanted []string) bool {
	if len(wanted) == 0 || len(it.Categories) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, c := range it.Categories {
			if strings.EqualFold(strings.TrimSpace(w), strings.TrimSpace(c)) {
				return true
			}
		}
	}
	return false
}

// pinIdentity rotates at feed start when the feed pins regions or a previous
// feed left a pin behind, so no region constraint carries across feeds.
func (c *Controller) pinIdentity(ctx context.Context, run *feedRun) {
	id := run.rc.Identity
	if id == nil || !id.Enabled() || run.rc.Budget.Expired() || ctx.Err() != nil {
		return
	}
	if len(run.feed.Regions) == 0 && len(id.Regions()) == 0 {
		return
	}
	if err := id.Rotate(ctx, run.feed.Regions); err != nil {
		run.log.Warn("Feed starts on the previous identity", "error", err)
		return
	}
	run.rep.Rotations++
}

// acquire walks items in order until the quota is met. It returns the items
// to retry and whether the run must stop (budget or cancellation).
func (c *Controller) acquire(
	ctx context.Context,
	run *feedRun,
	items []domain.CandidateItem,
	collectRetry bool,
) ([]domain.CandidateItem, bool) {
	var retry []domain.CandidateItem
	rep := run.rep

	for i, item := range items {
		if len(run.acquired) >= run.quota {
			run.log.Info("Quota reached", "quota", run.quota)
			return retry, false
		}
		if c.stop(ctx, run) {
			return retry, true
		}
		if i > 0 {
			if err := run.pacer.Wait(ctx); err != nil {
				rep.Canceled = true
				return retry, true
			}
			metrics.PacingDelay.Set(run.pacer.Current().Seconds())
			if c.stop(ctx, run) {
				return retry, true
			}
		}

		log := run.log.With("item", item.ID)
		log.Info("Acquiring item", "title", item.Title)

		res := c.acquirer.Acquire(ctx, item, run.feed.Regions)
		rep.Attempts += res.Attempts
		rep.Rotations += res.Rotations

		switch {
		case res.OK():
			run.pacer.Observe(true)
			run.acquired = append(run.acquired, acquisition{item: item, artifact: *res.Outcome.Artifact})
			rep.Acquired++
			c.itemDone(run, item.ID, "acquired")

		case res.Canceled:
			rep.Canceled = true
			return retry, true

		case res.Permanent():
			run.pacer.Observe(false)
			added, err := run.rc.Ledger.Record(context.WithoutCancel(ctx), item.ID, domain.ReasonPermanent, res.Outcome.Message)
			if err != nil {
				log.Error("Failed to blacklist item", "error", err)
				c.itemDone(run, item.ID, "unresolved")
				continue
			}
			if added {
				rep.Blacklisted++
			}
			log.Warn("Item is permanently unavailable, blacklisted", "reason", res.Outcome.Message)
			c.itemDone(run, item.ID, "permanent")

		case collectRetry && (res.Kind() == domain.KindTransient || res.Kind() == domain.KindInfrastructure):
			run.pacer.Observe(false)
			retry = append(retry, item)
			rep.Deferred++
			log.Info("Item deferred to retry pass", "kind", res.Kind())
			c.itemDone(run, item.ID, "deferred")

		default:
			run.pacer.Observe(false)
			log.Info("Item left for next run", "kind", res.Kind(), "attempts", res.Attempts)
			c.itemDone(run, item.ID, "unresolved")
		}
	}
	return retry, false
}

func (c *Controller) stop(ctx context.Context, run *feedRun) bool {
	if run.rc.Budget.Expired() {
		if !run.rep.BudgetExpired {
			run.log.Warn("Run budget expired, finalizing feed early")
		}
		run.rep.BudgetExpired = true
		return true
	}
	if ctx.Err() != nil {
		run.rep.Canceled = true
		return true
	}
	return false
}

// finalize writes acquired items to the feed and ledgers them as published
// once the document is on disk.
func (c *Controller) finalize(ctx context.Context, run *feedRun, hint string) {
	rep := run.rep
	if len(run.acquired) == 0 {
		return
	}

	now := c.now()
	episodes := make([]domain.Episode, 0, len(run.acquired))
	for _, a := range run.acquired {
		episodes = append(episodes, feed.EpisodeFor(a.artifact, a.item, now))
	}

	meta := feed.Meta{
		Title:       run.feed.Title,
		Description: run.feed.Description,
		Link:        run.feed.Link,
		Image:       run.feed.Image,
		TitleHint:   hint,
	}
	if meta.Link == "" && len(run.feed.Sources) > 0 {
		meta.Link = run.feed.Sources[0]
	}

	res, err := c.assembler.Merge(ctx, run.feed.Name, meta, episodes)
	rep.Document = res
	if errors.Is(err, feed.ErrQuarantined) {
		rep.Quarantined = true
		return
	}
	if err != nil {
		rep.Err = err
		run.log.Error("Failed to write feed", "error", err)
		return
	}

	for _, a := range run.acquired {
		if _, err := run.rc.Ledger.Record(ctx, a.item.ID, domain.ReasonPublished, a.artifact.URL); err != nil {
			run.log.Error("Failed to ledger published item", "item", a.item.ID, "error", err)
			continue
		}
		rep.Published++
	}
}
