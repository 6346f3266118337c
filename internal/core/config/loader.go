package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
	"gopkg.in/yaml.v2"
)

var feedNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	r := &cfg.Run
	if r.MaxDuration == 0 {
		r.MaxDuration = 5*time.Hour + 30*time.Minute
	}
	if r.StateDir == "" {
		r.StateDir = ".podmirror"
	}
	if r.TempDir == "" {
		r.TempDir = filepath.Join(os.TempDir(), "podmirror")
	}
	if r.FeedsDir == "" {
		r.FeedsDir = "feeds"
	}
	if r.PaceBase == 0 {
		r.PaceBase = 8 * time.Second
	}
	if r.PaceMax == 0 {
		r.PaceMax = 60 * time.Second
	}
	if r.Cooldown == 0 {
		r.Cooldown = 45 * time.Second
	}
	if r.MinArtifactBytes == 0 {
		r.MinArtifactBytes = 100 * 1024
	}
	if r.YtdlpPath == "" {
		r.YtdlpPath = "yt-dlp"
	}
	if r.EngineTimeout == 0 {
		r.EngineTimeout = 15 * time.Minute
	}
	if r.CookiesEnv == "" {
		r.CookiesEnv = "YTDLP_COOKIES"
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "file"
	}
	if cfg.Ledger.Dir == "" {
		cfg.Ledger.Dir = filepath.Join(r.StateDir, "ledger")
	}

	cfg.Tor.ApplyDefaults()
	cfg.Store.ApplyDefaults()

	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies()
	}
	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if s.Route == "" {
			s.Route = domain.RouteDirect
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s-%s", s.PlayerClient, s.Route)
		}
	}

	d := &cfg.Defaults
	if d.Quota == 0 {
		d.Quota = 3
	}
	if d.Window == 0 {
		d.Window = 15
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.SameProfileRetries == 0 {
		d.SameProfileRetries = 1
	}
	if d.TransientPause == 0 {
		d.TransientPause = 5 * time.Second
	}
	if d.SafetyFloor == 0 {
		d.SafetyFloor = 5
	}

	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		if f.Quota == 0 {
			f.Quota = d.Quota
		}
		if f.Window == 0 {
			f.Window = d.Window
		}
	}
}

// Validate reports configuration errors that must abort the run.
func (c *AppConfig) Validate() error {
	if len(c.Feeds) == 0 {
		return fmt.Errorf("config: no feeds configured")
	}
	seen := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if !feedNamePattern.MatchString(f.Name) {
			return fmt.Errorf("config: invalid feed name %q", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("config: duplicate feed name %q", f.Name)
		}
		seen[f.Name] = true
		if len(f.Sources) == 0 {
			return fmt.Errorf("config: feed %q has no sources", f.Name)
		}
		for _, s := range f.Sources {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("config: feed %q has an empty source", f.Name)
			}
		}
		if f.Quota < 0 || f.Window < 0 {
			return fmt.Errorf("config: feed %q has a negative quota or window", f.Name)
		}
	}

	names := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.Route != domain.RouteDirect && s.Route != domain.RouteTor {
			return fmt.Errorf("config: strategy %q has unknown route %q", s.Name, s.Route)
		}
		if names[s.Name] {
			return fmt.Errorf("config: duplicate strategy name %q", s.Name)
		}
		names[s.Name] = true
	}

	if c.Defaults.MaxAttempts < 1 || c.Defaults.MaxAttempts > 10 {
		return fmt.Errorf("config: max_attempts must be between 1 and 10, got %d", c.Defaults.MaxAttempts)
	}
	if c.Defaults.SafetyFloor < 0 {
		return fmt.Errorf("config: safety_floor must not be negative")
	}

	switch c.Ledger.Backend {
	case "file", "memory":
	case "redis":
		if c.Ledger.Redis.URL == "" {
			return fmt.Errorf("config: ledger backend redis requires ledger.redis.url")
		}
	case "postgres":
		if c.Ledger.Database.URL == "" {
			return fmt.Errorf("config: ledger backend postgres requires ledger.database.url")
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Store.Owner == "" || c.Store.Repo == "" {
		return fmt.Errorf("config: store.owner and store.repo are required")
	}
	return nil
}
