package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/podmirror/internal/core/config"
	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/infra/release"
	"github.com/vietddude/podmirror/internal/infra/storage"
	"github.com/vietddude/podmirror/internal/infra/storage/file"
	"github.com/vietddude/podmirror/internal/infra/storage/memory"
	"github.com/vietddude/podmirror/internal/infra/tor"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeScanner struct {
	items  map[string][]domain.CandidateItem
	calls  []string
	onScan func(url string)
}

func (s *fakeScanner) ListItems(ctx context.Context, url string) (domain.ScanResult, error) {
	s.calls = append(s.calls, url)
	if s.onScan != nil {
		s.onScan(url)
	}
	return domain.ScanResult{Title: "Playlist " + url, Items: s.items[url]}, nil
}

type fakeEngine struct {
	cookies []string // cookie file contents seen during attempts
	params  []domain.EngineParams
}

func (e *fakeEngine) Materialize(
	ctx context.Context,
	item domain.CandidateItem,
	params domain.EngineParams,
	workDir string,
) (string, domain.CandidateItem, error) {
	e.params = append(e.params, params)
	if params.CookiesPath != "" {
		raw, err := os.ReadFile(params.CookiesPath)
		if err != nil {
			return "", item, err
		}
		e.cookies = append(e.cookies, string(raw))
	}
	path := filepath.Join(workDir, item.ID+".mp3")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		return "", item, err
	}
	return path, item, nil
}

type fakeStore struct {
	initErr  error
	inits    int
	uploaded []string
}

func (s *fakeStore) Init(ctx context.Context) error {
	s.inits++
	return s.initErr
}

func (s *fakeStore) Upload(ctx context.Context, localPath string) (string, error) {
	s.uploaded = append(s.uploaded, filepath.Base(localPath))
	return "https://example.test/" + filepath.Base(localPath), nil
}

type fakeControl struct {
	pins      [][]string
	rotations int
}

func (c *fakeControl) SetExitRegions(ctx context.Context, regions []string) error {
	c.pins = append(c.pins, regions)
	return nil
}

func (c *fakeControl) NewIdentity(ctx context.Context) error {
	c.rotations++
	return nil
}

func (c *fakeControl) EgressAddress(ctx context.Context) (domain.Identity, error) {
	return domain.Identity{IP: "203.0.113.7", Country: "DE"}, nil
}

type brokenLedger struct {
	storage.LedgerRepository
	feed string
}

func (r *brokenLedger) Load(ctx context.Context, feed string) ([]domain.LedgerEntry, error) {
	if feed == r.feed {
		return nil, errors.New("connection refused")
	}
	return r.LedgerRepository.Load(ctx, feed)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig(t *testing.T, feeds ...config.FeedConfig) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.AppConfig{
		Run: config.RunConfig{
			MaxDuration:      time.Hour,
			StateDir:         filepath.Join(dir, "state"),
			TempDir:          filepath.Join(dir, "tmp"),
			FeedsDir:         filepath.Join(dir, "feeds"),
			Cooldown:         time.Second,
			MinArtifactBytes: 16,
			CookiesEnv:       "TEST_COOKIES",
		},
		Store: release.Config{Owner: "someone", Repo: "mirror"},
		Strategies: []domain.StrategyProfile{
			{Name: "android-direct", PlayerClient: "android", Route: domain.RouteDirect},
		},
		Defaults: config.FeedDefaults{
			Quota:              1,
			Window:             15,
			MaxAttempts:        4,
			SameProfileRetries: 1,
			SafetyFloor:        5,
		},
		Feeds: feeds,
	}
}

func items(ids ...string) []domain.CandidateItem {
	out := make([]domain.CandidateItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CandidateItem{ID: id, Title: "Episode " + id})
	}
	return out
}

func cookieFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "cookies-*.txt"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

// =============================================================================
// Tests
// =============================================================================

func TestSupervisor_RunPublishesEveryFeed(t *testing.T) {
	cfg := testConfig(t,
		config.FeedConfig{Name: "a", Sources: []string{"list-a"}, Quota: 1},
		config.FeedConfig{Name: "b", Sources: []string{"list-b"}, Quota: 2},
	)
	scanner := &fakeScanner{items: map[string][]domain.CandidateItem{
		"list-a": items("a1", "a2"),
		"list-b": items("b1", "b2", "b3"),
	}}
	store := &fakeStore{}
	repo := memory.NewLedgerRepo()

	sup := New(cfg, Deps{
		Scanner: scanner,
		Engine:  &fakeEngine{},
		Store:   store,
		Ledger:  repo,
		Sleep:   noSleep,
		Getenv:  func(string) string { return "" },
	})
	sum, err := sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.RunID == "" {
		t.Error("expected a run id")
	}
	if len(sum.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(sum.Reports))
	}
	if got := sum.Reports[0].Published; got != 1 {
		t.Errorf("feed a: expected 1 published, got %d", got)
	}
	if got := sum.Reports[1].Published; got != 2 {
		t.Errorf("feed b: expected 2 published, got %d", got)
	}
	if store.inits != 1 {
		t.Errorf("expected store Init once, got %d", store.inits)
	}
	if sum.Failed() {
		t.Error("expected a clean run")
	}

	for _, name := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(cfg.Run.FeedsDir, name+".xml")); err != nil {
			t.Errorf("feed %s not written: %v", name, err)
		}
	}
	if got := len(repo.Entries("b")); got != 2 {
		t.Errorf("expected 2 ledger entries for b, got %d", got)
	}

	// The lock is released: a second run can start.
	lock, err := file.AcquireRunLock(cfg.Run.StateDir, "next", 0)
	if err != nil {
		t.Fatalf("lock still held after run: %v", err)
	}
	_ = lock.Release()
}

func TestSupervisor_RefusesConcurrentRun(t *testing.T) {
	cfg := testConfig(t, config.FeedConfig{Name: "a", Sources: []string{"list-a"}})
	held, err := file.AcquireRunLock(cfg.Run.StateDir, "other", 0)
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	defer held.Release()

	scanner := &fakeScanner{}
	sup := New(cfg, Deps{
		Scanner: scanner,
		Engine:  &fakeEngine{},
		Store:   &fakeStore{},
		Ledger:  memory.NewLedgerRepo(),
		Sleep:   noSleep,
		Getenv:  func(string) string { return "cookie-data" },
	})
	_, err = sup.Run(context.Background())
	if !errors.Is(err, storage.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(scanner.calls) != 0 {
		t.Errorf("expected no scans, got %v", scanner.calls)
	}
	if files := cookieFiles(t, cfg.Run.TempDir); len(files) != 0 {
		t.Errorf("cookies materialized for a refused run: %v", files)
	}
}

func TestSupervisor_CookiesRemovedOnEveryPath(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		cancel   bool
		wantErr  bool
	}{
		{name: "success"},
		{name: "store unavailable", storeErr: errors.New("503"), wantErr: true},
		{name: "cancelled", cancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, config.FeedConfig{Name: "a", Sources: []string{"list-a"}})
			cfg.Strategies = []domain.StrategyProfile{
				{Name: "web-cookies", PlayerClient: "web", Route: domain.RouteDirect, UseCookies: true},
			}
			engine := &fakeEngine{}
			sup := New(cfg, Deps{
				Scanner: &fakeScanner{items: map[string][]domain.CandidateItem{"list-a": items("a1")}},
				Engine:  engine,
				Store:   &fakeStore{initErr: tt.storeErr},
				Ledger:  memory.NewLedgerRepo(),
				Sleep:   noSleep,
				Getenv: func(key string) string {
					if key == "TEST_COOKIES" {
						return "# Netscape HTTP Cookie File\n.youtube.com\tTRUE\t/\tTRUE\t0\tSID\tabc\n"
					}
					return ""
				},
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			sum, err := sup.Run(ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if files := cookieFiles(t, cfg.Run.TempDir); len(files) != 0 {
				t.Errorf("cookies left behind: %v", files)
			}
			if tt.cancel && (!sum.Canceled || !reflect.DeepEqual(sum.Skipped, []string{"a"})) {
				t.Errorf("expected cancelled run skipping a, got %+v", sum)
			}
			if tt.name == "success" {
				if len(engine.cookies) != 1 || engine.cookies[0] == "" {
					t.Errorf("engine did not see the cookies file: %v", engine.cookies)
				}
			}
		})
	}
}

func TestSupervisor_BudgetSkipsRemainingFeeds(t *testing.T) {
	cfg := testConfig(t,
		config.FeedConfig{Name: "a", Sources: []string{"list-a"}},
		config.FeedConfig{Name: "b", Sources: []string{"list-b"}},
		config.FeedConfig{Name: "c", Sources: []string{"list-c"}},
	)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
	scanner := &fakeScanner{
		items: map[string][]domain.CandidateItem{
			"list-a": items("a1"),
			"list-b": items("b1"),
		},
		onScan: func(url string) {
			if url == "list-a" {
				clock.Advance(2 * time.Hour)
			}
		},
	}

	sup := New(cfg, Deps{
		Scanner: scanner,
		Engine:  &fakeEngine{},
		Store:   &fakeStore{},
		Ledger:  memory.NewLedgerRepo(),
		Sleep:   noSleep,
		Now:     clock.Now,
		Getenv:  func(string) string { return "" },
	})
	sum, err := sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !sum.BudgetExpired {
		t.Error("expected BudgetExpired")
	}
	if !reflect.DeepEqual(scanner.calls, []string{"list-a"}) {
		t.Errorf("expected only feed a scanned, got %v", scanner.calls)
	}
	if !reflect.DeepEqual(sum.Skipped, []string{"b", "c"}) {
		t.Errorf("expected b and c skipped, got %v", sum.Skipped)
	}
	if len(sum.Reports) != 1 || !sum.Reports[0].BudgetExpired {
		t.Errorf("expected feed a to stop on the budget, got %+v", sum.Reports)
	}
}

func TestSupervisor_LedgerFailureSkipsOnlyThatFeed(t *testing.T) {
	cfg := testConfig(t,
		config.FeedConfig{Name: "a", Sources: []string{"list-a"}},
		config.FeedConfig{Name: "b", Sources: []string{"list-b"}},
	)
	scanner := &fakeScanner{items: map[string][]domain.CandidateItem{
		"list-a": items("a1"),
		"list-b": items("b1"),
	}}

	sup := New(cfg, Deps{
		Scanner: scanner,
		Engine:  &fakeEngine{},
		Store:   &fakeStore{},
		Ledger:  &brokenLedger{LedgerRepository: memory.NewLedgerRepo(), feed: "a"},
		Sleep:   noSleep,
		Getenv:  func(string) string { return "" },
	})
	sum, err := sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(sum.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(sum.Reports))
	}
	if sum.Reports[0].Err == nil {
		t.Error("expected feed a to carry the ledger error")
	}
	if sum.Reports[1].Published != 1 {
		t.Errorf("expected feed b published, got %+v", sum.Reports[1])
	}
	if !reflect.DeepEqual(scanner.calls, []string{"list-b"}) {
		t.Errorf("feed a should not be scanned, got %v", scanner.calls)
	}
	if !sum.Failed() {
		t.Error("expected Failed() for a run with a skipped feed")
	}
}

func TestSupervisor_NoUsableStrategies(t *testing.T) {
	cfg := testConfig(t, config.FeedConfig{Name: "a", Sources: []string{"list-a"}})
	cfg.Strategies = []domain.StrategyProfile{
		{Name: "ios-tor", PlayerClient: "ios", Route: domain.RouteTor},
		{Name: "web-cookies", PlayerClient: "web", Route: domain.RouteDirect, UseCookies: true},
	}

	sup := New(cfg, Deps{
		Scanner: &fakeScanner{},
		Engine:  &fakeEngine{},
		Store:   &fakeStore{},
		Ledger:  memory.NewLedgerRepo(),
		Sleep:   noSleep,
		Getenv:  func(string) string { return "" },
	})
	if _, err := sup.Run(context.Background()); !errors.Is(err, ErrNoStrategies) {
		t.Fatalf("expected ErrNoStrategies, got %v", err)
	}
}

func TestSupervisor_TorRoutesAndRegionPin(t *testing.T) {
	cfg := testConfig(t,
		config.FeedConfig{Name: "a", Sources: []string{"list-a"}, Regions: []string{"de"}},
		config.FeedConfig{Name: "b", Sources: []string{"list-b"}},
	)
	cfg.Tor = tor.Config{Enabled: true, SocksAddr: "127.0.0.1:9150"}
	cfg.Strategies = []domain.StrategyProfile{
		{Name: "ios-tor", PlayerClient: "ios", Route: domain.RouteTor},
	}
	engine := &fakeEngine{}
	ctrl := &fakeControl{}

	sup := New(cfg, Deps{
		Scanner: &fakeScanner{items: map[string][]domain.CandidateItem{
			"list-a": items("a1"),
			"list-b": items("b1"),
		}},
		Engine:  engine,
		Store:   &fakeStore{},
		Control: ctrl,
		Ledger:  memory.NewLedgerRepo(),
		Sleep:   noSleep,
		Getenv:  func(string) string { return "" },
	})
	if _, err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, p := range engine.params {
		if p.ProxyURL != "socks5://127.0.0.1:9150" {
			t.Errorf("expected tor proxy, got %q", p.ProxyURL)
		}
	}
	// Feed a pins DE, feed b clears the pin it inherited.
	want := [][]string{{"DE"}, nil}
	if len(ctrl.pins) != 2 || !reflect.DeepEqual(ctrl.pins[0], want[0]) || len(ctrl.pins[1]) != 0 {
		t.Errorf("expected pins %v, got %v", want, ctrl.pins)
	}
}
