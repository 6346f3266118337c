// Package release stores episode audio as GitHub release assets.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/sethvargo/go-retry"
)

// Config holds artifact store settings.
type Config struct {
	Owner         string        `yaml:"owner"`
	Repo          string        `yaml:"repo"`
	Tag           string        `yaml:"tag"`
	Token         string        `yaml:"token"`
	UploadTries   uint64        `yaml:"upload_tries"`
	UploadBackoff time.Duration `yaml:"upload_backoff"`
	// APIURL and UploadURL point the store at a GitHub Enterprise server.
	APIURL    string `yaml:"api_url"`
	UploadURL string `yaml:"upload_url"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Tag == "" {
		c.Tag = "audio-storage"
	}
	if c.UploadTries == 0 {
		c.UploadTries = 3
	}
	if c.UploadBackoff == 0 {
		c.UploadBackoff = 2 * time.Second
	}
}

// Asset is one file attached to the storage release.
type Asset struct {
	ID   int64
	Name string
	URL  string
	Size int64
}

// ErrNoToken is returned when no credentials are available.
var ErrNoToken = errors.New("release store: no GitHub token configured")

// Store implements the artifact store on a single GitHub release.
type Store struct {
	cfg    Config
	client *github.Client
	log    *slog.Logger

	mu        sync.Mutex
	releaseID int64
}

// NewStore creates a store. The release is resolved (or created) by Init.
func NewStore(cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	client := github.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.APIURL != "" {
		upload := cfg.UploadURL
		if upload == "" {
			upload = cfg.APIURL
		}
		var err error
		client, err = client.WithEnterpriseURLs(cfg.APIURL, upload)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
	}
	return &Store{
		cfg:    cfg,
		client: client,
		log:    slog.Default().With("component", "release"),
	}, nil
}

// Init resolves the storage release by tag, creating it when missing.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.release(ctx)
	return err
}

func (s *Store) release(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseID != 0 {
		return s.releaseID, nil
	}

	rel, resp, err := s.client.Repositories.GetReleaseByTag(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.Tag)
	if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
		return 0, fmt.Errorf("get release %s: %w", s.cfg.Tag, err)
	}
	if rel == nil {
		rel, _, err = s.client.Repositories.CreateRelease(ctx, s.cfg.Owner, s.cfg.Repo, &github.RepositoryRelease{
			TagName: github.String(s.cfg.Tag),
			Name:    github.String("Audio Files"),
			Body:    github.String("Episode storage"),
		})
		if err != nil {
			return 0, fmt.Errorf("create release %s: %w", s.cfg.Tag, err)
		}
		s.log.Info("Created storage release", "tag", s.cfg.Tag)
	}
	s.releaseID = rel.GetID()
	return s.releaseID, nil
}

// ListAssets returns every asset of the storage release.
func (s *Store) ListAssets(ctx context.Context) ([]Asset, error) {
	id, err := s.release(ctx)
	if err != nil {
		return nil, err
	}

	var out []Asset
	opts := &github.ListOptions{PerPage: 100}
	for {
		assets, resp, err := s.client.Repositories.ListReleaseAssets(ctx, s.cfg.Owner, s.cfg.Repo, id, opts)
		if err != nil {
			return nil, fmt.Errorf("list release assets: %w", err)
		}
		for _, a := range assets {
			out = append(out, Asset{
				ID:   a.GetID(),
				Name: a.GetName(),
				URL:  a.GetBrowserDownloadURL(),
				Size: int64(a.GetSize()),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// DeleteAsset removes the asset with the given name, if present.
func (s *Store) DeleteAsset(ctx context.Context, name string) error {
	assets, err := s.ListAssets(ctx)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if a.Name != name {
			continue
		}
		if _, err := s.client.Repositories.DeleteReleaseAsset(ctx, s.cfg.Owner, s.cfg.Repo, a.ID); err != nil {
			return fmt.Errorf("delete asset %s: %w", name, err)
		}
	}
	return nil
}

// Upload uploads a local file, overwriting an existing asset with the same
// name, and returns the public download URL.
func (s *Store) Upload(ctx context.Context, localPath string) (string, error) {
	id, err := s.release(ctx)
	if err != nil {
		return "", err
	}
	name := filepath.Base(localPath)
	if err := s.DeleteAsset(ctx, name); err != nil {
		return "", err
	}

	backoff := retry.WithMaxRetries(s.cfg.UploadTries-1, retry.NewExponential(s.cfg.UploadBackoff))
	var url string
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		asset, resp, err := s.client.Repositories.UploadReleaseAsset(ctx, s.cfg.Owner, s.cfg.Repo, id,
			&github.UploadOptions{Name: name, MediaType: mimeType(name)}, f)
		if err != nil {
			if retryableUpload(resp, err) {
				s.log.Warn("Upload failed, retrying", "asset", name, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		url = asset.GetBrowserDownloadURL()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upload asset %s: %w", name, err)
	}
	return url, nil
}

func retryableUpload(resp *github.Response, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
}

func mimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
