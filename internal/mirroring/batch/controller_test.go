package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vietddude/podmirror/internal/core/config"
	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/core/ledger"
	"github.com/vietddude/podmirror/internal/infra/storage/memory"
	"github.com/vietddude/podmirror/internal/mirroring/budget"
	"github.com/vietddude/podmirror/internal/mirroring/chain"
	"github.com/vietddude/podmirror/internal/mirroring/feed"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeScanner struct {
	results map[string]domain.ScanResult
	errs    map[string]error
}

func (s *fakeScanner) ListItems(ctx context.Context, url string) (domain.ScanResult, error) {
	if err := s.errs[url]; err != nil {
		return domain.ScanResult{}, err
	}
	return s.results[url], nil
}

type fakeAcquirer struct {
	fn    func(ctx context.Context, item domain.CandidateItem) chain.Result
	calls []string
}

func (a *fakeAcquirer) Acquire(ctx context.Context, item domain.CandidateItem, regions []string) chain.Result {
	a.calls = append(a.calls, item.ID)
	return a.fn(ctx, item)
}

type fakeRotator struct {
	enabled bool
	calls   int
	regions []string
}

func (r *fakeRotator) Enabled() bool { return r.enabled }

func (r *fakeRotator) Rotate(ctx context.Context, regions []string) error {
	r.calls++
	r.regions = regions
	return nil
}

func (r *fakeRotator) Regions() []string { return r.regions }

type fakeAssembler struct {
	err      error
	episodes []domain.Episode
	calls    int
	ctxErr   error
}

func (a *fakeAssembler) Merge(ctx context.Context, name string, meta feed.Meta, eps []domain.Episode) (feed.Result, error) {
	a.calls++
	a.ctxErr = ctx.Err()
	a.episodes = append(a.episodes, eps...)
	return feed.Result{Added: len(eps)}, a.err
}

type sleepRecorder struct {
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

// =============================================================================
// Helpers
// =============================================================================

const source = "https://www.youtube.com/playlist?list=PLtest"

func items(n int) []domain.CandidateItem {
	out := make([]domain.CandidateItem, n)
	for i := range out {
		id := fmt.Sprintf("vid%d", i+1)
		out[i] = domain.CandidateItem{ID: id, Title: "Episode " + id}
	}
	return out
}

func success(item domain.CandidateItem) chain.Result {
	return chain.Result{
		Attempts: 1,
		Outcome: domain.Success(domain.Artifact{
			ItemID:   item.ID,
			Name:     item.ID + ".mp3",
			URL:      "https://github.com/o/r/releases/download/audio-storage/" + item.ID + ".mp3",
			Size:     512 * 1024,
			MimeType: "audio/mpeg",
		}),
	}
}

func failure(kind domain.ErrorKind) chain.Result {
	return chain.Result{Attempts: 1, Outcome: domain.Failure(kind, kind.String())}
}

func feedConfig(quota, window int) config.FeedConfig {
	return config.FeedConfig{Name: "talks", Title: "Talks", Sources: []string{source}, Quota: quota, Window: window}
}

type harness struct {
	repo    *memory.LedgerRepo
	ledger  *ledger.Ledger
	sleeper *sleepRecorder
}

func newHarness(t *testing.T, seeded ...string) *harness {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewLedgerRepo()
	for _, id := range seeded {
		repo.Append(ctx, domain.LedgerEntry{Feed: "talks", ItemID: id, Reason: domain.ReasonPublished})
	}
	l, err := ledger.Open(ctx, repo, "talks")
	if err != nil {
		t.Fatalf("Open ledger: %v", err)
	}
	return &harness{repo: repo, ledger: l, sleeper: &sleepRecorder{}}
}

func (h *harness) controller(scanner Scanner, acq Acquirer, asm Assembler) *Controller {
	return NewController(scanner, acq, asm, Config{Cooldown: 45 * time.Second}, h.sleeper.sleep, nil)
}

func (h *harness) rc(b *budget.Budget, rot Rotator) RunContext {
	return RunContext{RunID: "run-1", Budget: b, Ledger: h.ledger, Identity: rot}
}

func scannerWith(list []domain.CandidateItem) *fakeScanner {
	return &fakeScanner{results: map[string]domain.ScanResult{source: {Title: "Playlist", Items: list}}}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestProcess_QuotaLimitsSuccesses(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	asm := feed.NewAssembler(feed.Config{Dir: dir, SafetyFloor: 5, RunID: "run-1"}, nil)
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result { return success(it) }}

	c := h.controller(scannerWith(items(5)), acq, asm)
	rep := c.Process(context.Background(), h.rc(nil, nil), feedConfig(2, 5))

	if rep.Candidates != 5 {
		t.Errorf("Candidates = %d, want 5", rep.Candidates)
	}
	if len(acq.calls) != 2 || rep.Acquired != 2 {
		t.Errorf("acquired %d items (%d calls), want 2", rep.Acquired, len(acq.calls))
	}
	if got := len(h.repo.Entries("talks")); got != 2 {
		t.Errorf("ledger entries = %d, want 2", got)
	}
	if n, _ := asm.Count("talks"); n != 2 {
		t.Errorf("feed entries = %d, want 2", n)
	}
	if rep.Unresolved != 3 {
		t.Errorf("Unresolved = %d, want 3", rep.Unresolved)
	}
	if rep.Phase != PhaseDone {
		t.Errorf("Phase = %s, want done", rep.Phase)
	}
	// one pacing pause between the two acquisitions, none after the last
	if len(h.sleeper.slept) != 1 {
		t.Errorf("slept %v, want exactly one pacing pause", h.sleeper.slept)
	}
}

func TestProcess_PermanentIsBlacklisted(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	asm := feed.NewAssembler(feed.Config{Dir: dir, SafetyFloor: 5}, nil)
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
		return failure(domain.KindPermanent)
	}}

	c := h.controller(scannerWith(items(1)), acq, asm)
	rep := c.Process(context.Background(), h.rc(nil, nil), feedConfig(3, 15))

	if rep.Blacklisted != 1 {
		t.Errorf("Blacklisted = %d, want 1", rep.Blacklisted)
	}
	if r, ok := h.ledger.Reason("vid1"); !ok || r != domain.ReasonPermanent {
		t.Errorf("ledger reason = %q, %v; want permanent", r, ok)
	}
	if _, err := os.Stat(asm.Path("talks")); !os.IsNotExist(err) {
		t.Error("feed must gain no entry for a permanent failure")
	}

	// A later run never re-attempts it.
	acq.calls = nil
	rep = c.Process(context.Background(), h.rc(nil, nil), feedConfig(3, 15))
	if len(acq.calls) != 0 {
		t.Errorf("re-attempted %v", acq.calls)
	}
	if rep.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", rep.Skipped)
	}
	if got := len(h.repo.Entries("talks")); got != 1 {
		t.Errorf("ledger entries = %d, want exactly 1", got)
	}
}

func TestProcess_BotChallengeThenSuccess(t *testing.T) {
	h := newHarness(t)
	asm := &fakeAssembler{}
	rot := &fakeRotator{enabled: true}

	attempter := &scriptedAttempter{outcomes: []domain.Outcome{
		domain.Failure(domain.KindBotChallenge, "Sign in to confirm you're not a bot"),
		success(domain.CandidateItem{ID: "vid1"}).Outcome,
	}}
	profiles := []domain.StrategyProfile{
		{Name: "android-direct", PlayerClient: "android", Route: domain.RouteDirect},
		{Name: "ios-tor", PlayerClient: "ios", Route: domain.RouteTor},
	}
	ch := chain.New(attempter, rot, profiles, chain.DefaultPolicy(), h.sleeper.sleep, nil)

	c := h.controller(scannerWith(items(1)), ch, asm)
	rep := c.Process(context.Background(), h.rc(nil, rot), feedConfig(3, 15))

	if rot.calls != 1 || rep.Rotations != 1 {
		t.Errorf("rotations = %d (report %d), want 1", rot.calls, rep.Rotations)
	}
	if len(asm.episodes) != 1 {
		t.Errorf("feed entries appended = %d, want 1", len(asm.episodes))
	}
	if rep.Blacklisted != 0 || h.ledger.Count(domain.ReasonPermanent) != 0 {
		t.Error("a recovered item must not be blacklisted")
	}
}

func TestProcess_BudgetExpiresMidFeed(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	asm := feed.NewAssembler(feed.Config{Dir: dir, SafetyFloor: 5}, nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := budget.NewWithClock(time.Hour, func() time.Time { return now })
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
		now = now.Add(2 * time.Hour)
		return success(it)
	}}

	c := h.controller(scannerWith(items(5)), acq, asm)
	rep := c.Process(context.Background(), h.rc(b, nil), feedConfig(3, 15))

	if !rep.BudgetExpired {
		t.Error("BudgetExpired = false")
	}
	if len(acq.calls) != 1 {
		t.Errorf("acquired %d items after expiry, want 1", len(acq.calls))
	}
	if n, _ := asm.Count("talks"); n != 1 {
		t.Errorf("feed entries = %d, want 1", n)
	}
	entries := h.repo.Entries("talks")
	if len(entries) != 1 || entries[0].ItemID != "vid1" || entries[0].Reason != domain.ReasonPublished {
		t.Errorf("ledger = %+v, want only vid1 published", entries)
	}
}

// =============================================================================
// Properties and phases
// =============================================================================

func TestProcess_SkipsLedgeredItems(t *testing.T) {
	h := newHarness(t, "vid1", "vid3")
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result { return success(it) }}

	c := h.controller(scannerWith(items(4)), acq, &fakeAssembler{})
	c.Process(context.Background(), h.rc(nil, nil), feedConfig(10, 15))

	for _, id := range acq.calls {
		if id == "vid1" || id == "vid3" {
			t.Errorf("ledgered item %s was attempted", id)
		}
	}
	if len(acq.calls) != 2 {
		t.Errorf("calls = %v, want vid2, vid4", acq.calls)
	}
}

func TestProcess_NeverExceedsQuota(t *testing.T) {
	for quota := 1; quota <= 6; quota++ {
		h := newHarness(t)
		n := 0
		acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
			n++
			// every other first-pass attempt is transient so the retry pass runs too
			if n%2 == 0 {
				return failure(domain.KindTransient)
			}
			return success(it)
		}}
		c := h.controller(scannerWith(items(8)), acq, &fakeAssembler{})
		rep := c.Process(context.Background(), h.rc(nil, nil), feedConfig(quota, 8))
		if rep.Acquired > quota {
			t.Errorf("quota=%d: acquired %d", quota, rep.Acquired)
		}
	}
}

func TestProcess_RetryPhase(t *testing.T) {
	h := newHarness(t)
	tries := map[string]int{}
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
		tries[it.ID]++
		switch {
		case it.ID == "vid1" && tries[it.ID] == 1:
			return failure(domain.KindTransient)
		case it.ID == "vid2":
			return failure(domain.KindBotChallenge)
		}
		return success(it)
	}}
	asm := &fakeAssembler{}

	c := h.controller(scannerWith(items(2)), acq, asm)
	rep := c.Process(context.Background(), h.rc(nil, nil), feedConfig(3, 15))

	if tries["vid1"] != 2 {
		t.Errorf("vid1 tried %d times, want 2", tries["vid1"])
	}
	if tries["vid2"] != 1 {
		t.Errorf("bot-challenged item must not enter the retry queue, tried %d times", tries["vid2"])
	}
	if rep.Deferred != 1 || rep.Acquired != 1 || rep.Unresolved != 1 {
		t.Errorf("report = %+v", rep)
	}

	var cooldowns int
	for _, d := range h.sleeper.slept {
		if d == 45*time.Second {
			cooldowns++
		}
	}
	if cooldowns != 1 {
		t.Errorf("cool-down slept %d times, want 1 (%v)", cooldowns, h.sleeper.slept)
	}
}

func TestProcess_RetryPhaseSkippedWhenQuotaMet(t *testing.T) {
	h := newHarness(t)
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
		if it.ID == "vid1" {
			return failure(domain.KindTransient)
		}
		return success(it)
	}}

	c := h.controller(scannerWith(items(3)), acq, &fakeAssembler{})
	rep := c.Process(context.Background(), h.rc(nil, nil), feedConfig(2, 15))

	if rep.Acquired != 2 {
		t.Errorf("Acquired = %d, want 2", rep.Acquired)
	}
	for _, d := range h.sleeper.slept {
		if d == 45*time.Second {
			t.Error("cool-down must not run once the quota is met")
		}
	}
}

func TestProcess_QuarantineWritesNoSuccessEntries(t *testing.T) {
	h := newHarness(t)
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result { return success(it) }}
	asm := &fakeAssembler{err: feed.ErrQuarantined}

	c := h.controller(scannerWith(items(2)), acq, asm)
	rep := c.Process(context.Background(), h.rc(nil, nil), feedConfig(3, 15))

	if !rep.Quarantined {
		t.Error("Quarantined = false")
	}
	if h.ledger.Len() != 0 {
		t.Errorf("ledger has %d entries after quarantine", h.ledger.Len())
	}
	if rep.Published != 0 || rep.Unresolved != 2 {
		t.Errorf("published/unresolved = %d/%d", rep.Published, rep.Unresolved)
	}
}

func TestProcess_PartialScanFailure(t *testing.T) {
	h := newHarness(t)
	second := "https://www.youtube.com/playlist?list=PLother"
	scanner := &fakeScanner{
		results: map[string]domain.ScanResult{
			second: {Title: "Other", Items: []domain.CandidateItem{{ID: "vid9"}, {ID: "vid1"}}},
		},
		errs: map[string]error{source: errors.New("HTTP Error 500")},
	}
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result { return success(it) }}

	fc := feedConfig(5, 15)
	fc.Sources = []string{source, second}

	c := h.controller(scanner, acq, &fakeAssembler{})
	rep := c.Process(context.Background(), h.rc(nil, nil), fc)

	if rep.ScanErrors != 1 || rep.Err != nil {
		t.Errorf("ScanErrors = %d, Err = %v", rep.ScanErrors, rep.Err)
	}
	if rep.Acquired != 2 {
		t.Errorf("Acquired = %d, want 2", rep.Acquired)
	}
}

func TestProcess_DedupesAcrossSources(t *testing.T) {
	h := newHarness(t)
	second := "https://www.youtube.com/playlist?list=PLother"
	scanner := &fakeScanner{results: map[string]domain.ScanResult{
		source: {Items: items(2)},
		second: {Items: items(3)},
	}}
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result { return success(it) }}

	fc := feedConfig(10, 15)
	fc.Sources = []string{source, second}

	rep := h.controller(scanner, acq, &fakeAssembler{}).Process(context.Background(), h.rc(nil, nil), fc)
	if rep.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", rep.Scanned)
	}
}

func TestProcess_WindowAndCategories(t *testing.T) {
	h := newHarness(t)
	list := items(6)
	list[0].Categories = []string{"Gaming"}
	list[1].Categories = []string{"Education", "Science & Technology"}

	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
		return failure(domain.KindGeoRestricted)
	}}
	fc := feedConfig(10, 3)
	fc.Categories = []string{"education"}

	rep := h.controller(scannerWith(list), acq, &fakeAssembler{}).Process(context.Background(), h.rc(nil, nil), fc)

	if rep.Filtered != 1 {
		t.Errorf("Filtered = %d, want 1", rep.Filtered)
	}
	want := []string{"vid2", "vid3", "vid4"}
	if fmt.Sprint(acq.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", acq.calls, want)
	}
}

func TestProcess_RegionPinDoesNotCarryOver(t *testing.T) {
	h := newHarness(t)
	rot := &fakeRotator{enabled: true}
	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result { return success(it) }}
	c := h.controller(scannerWith(items(1)), acq, &fakeAssembler{})

	pinned := feedConfig(1, 15)
	pinned.Regions = []string{"US"}
	c.Process(context.Background(), h.rc(nil, rot), pinned)
	if rot.calls != 1 || len(rot.regions) != 1 {
		t.Fatalf("pinned feed rotations = %d, regions %v", rot.calls, rot.regions)
	}

	other := feedConfig(1, 15)
	other.Name = "other"
	l, _ := ledger.Open(context.Background(), h.repo, "other")
	rc := RunContext{Ledger: l, Identity: rot}
	c.Process(context.Background(), rc, other)
	if rot.calls != 2 || len(rot.regions) != 0 {
		t.Errorf("next feed did not clear the pin: calls %d, regions %v", rot.calls, rot.regions)
	}

	// No pin before and none wanted: no extra rotation.
	third := feedConfig(1, 15)
	third.Name = "third"
	l3, _ := ledger.Open(context.Background(), h.repo, "third")
	c.Process(context.Background(), RunContext{Ledger: l3, Identity: rot}, third)
	if rot.calls != 2 {
		t.Errorf("rotations = %d, want 2", rot.calls)
	}
}

func TestProcess_CancelStillFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acq := &fakeAcquirer{fn: func(ctx context.Context, it domain.CandidateItem) chain.Result {
		cancel()
		return success(it)
	}}
	asm := &fakeAssembler{}

	rep := h.controller(scannerWith(items(3)), acq, asm).Process(ctx, h.rc(nil, nil), feedConfig(3, 15))

	if !rep.Canceled {
		t.Error("Canceled = false")
	}
	if asm.calls != 1 || asm.ctxErr != nil {
		t.Errorf("assembler calls = %d, ctx err = %v; want one call on a live context", asm.calls, asm.ctxErr)
	}
	if rep.Published != 1 {
		t.Errorf("Published = %d, want 1", rep.Published)
	}
}

// scriptedAttempter returns outcomes in call order.
type scriptedAttempter struct {
	outcomes []domain.Outcome
	n        int
}

func (a *scriptedAttempter) Attempt(ctx context.Context, item domain.CandidateItem, p domain.StrategyProfile) domain.Outcome {
	out := a.outcomes[min(a.n, len(a.outcomes)-1)]
	a.n++
	return out
}
