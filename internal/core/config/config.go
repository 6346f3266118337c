package config

import (
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
	redisclient "github.com/vietddude/podmirror/internal/infra/redis"
	"github.com/vietddude/podmirror/internal/infra/release"
	"github.com/vietddude/podmirror/internal/infra/storage/postgres"
	"github.com/vietddude/podmirror/internal/infra/tor"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Run        RunConfig                `yaml:"run"`
	Server     ServerConfig             `yaml:"server"`
	Logging    LoggingConfig            `yaml:"logging"`
	Metrics    MetricsConfig            `yaml:"metrics"`
	Ledger     LedgerConfig             `yaml:"ledger"`
	Tor        tor.Config               `yaml:"tor"`
	Store      release.Config           `yaml:"store"`
	Strategies []domain.StrategyProfile `yaml:"strategies"`
	Defaults   FeedDefaults             `yaml:"defaults"`
	Feeds      []FeedConfig             `yaml:"feeds"`
}

// RunConfig holds settings that apply to one whole invocation.
type RunConfig struct {
	MaxDuration      time.Duration `yaml:"max_duration"`
	StateDir         string        `yaml:"state_dir"`
	TempDir          string        `yaml:"temp_dir"`
	FeedsDir         string        `yaml:"feeds_dir"`
	PaceBase         time.Duration `yaml:"pace_base"`
	PaceMax          time.Duration `yaml:"pace_max"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MinArtifactBytes int64         `yaml:"min_artifact_bytes"`
	YtdlpPath        string        `yaml:"ytdlp_path"`
	EngineTimeout    time.Duration `yaml:"engine_timeout"`
	CookiesFile      string        `yaml:"cookies_file"`
	CookiesEnv       string        `yaml:"cookies_env"`
}

// ServerConfig holds the optional status server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// LedgerConfig selects the run ledger backend.
type LedgerConfig struct {
	Backend  string             `yaml:"backend"` // file, redis, postgres, memory
	Dir      string             `yaml:"dir"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
}

// FeedDefaults holds per-feed limits used when a feed does not override them.
type FeedDefaults struct {
	Quota              int           `yaml:"quota"`
	Window             int           `yaml:"window"`
	MaxAttempts        int           `yaml:"max_attempts"`
	SameProfileRetries int           `yaml:"same_profile_retries"`
	TransientPause     time.Duration `yaml:"transient_pause"`
	SafetyFloor        int           `yaml:"safety_floor"`
	Backup             bool          `yaml:"backup"`
}

// FeedConfig describes one output podcast feed.
type FeedConfig struct {
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Link        string   `yaml:"link"`
	Image       string   `yaml:"image"`
	Sources     []string `yaml:"sources"`
	Quota       int      `yaml:"quota"`
	Window      int      `yaml:"window"`
	Regions     []string `yaml:"regions"`
	Categories  []string `yaml:"categories"`
}

// SourceList returns the feed's sources as domain values.
func (f FeedConfig) SourceList() []domain.Source {
	out := make([]domain.Source, 0, len(f.Sources))
	for _, u := range f.Sources {
		out = append(out, domain.Source{Feed: f.Name, URL: u})
	}
	return out
}

// DefaultStrategies is the chain used when the config lists none.
func DefaultStrategies() []domain.StrategyProfile {
	return []domain.StrategyProfile{
		{Name: "android-direct", PlayerClient: "android", Route: domain.RouteDirect},
		{Name: "ios-tor", PlayerClient: "ios", Route: domain.RouteTor},
		{Name: "web-tor-cookies", PlayerClient: "web", Route: domain.RouteTor, UseCookies: true},
		{Name: "tv-tor", PlayerClient: "tv_embedded", Route: domain.RouteTor},
	}
}
