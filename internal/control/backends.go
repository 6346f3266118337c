package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vietddude/podmirror/internal/core/config"
	redisclient "github.com/vietddude/podmirror/internal/infra/redis"
	"github.com/vietddude/podmirror/internal/infra/storage"
	"github.com/vietddude/podmirror/internal/infra/storage/file"
	"github.com/vietddude/podmirror/internal/infra/storage/memory"
	"github.com/vietddude/podmirror/internal/infra/storage/postgres"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// OpenLedgerRepo builds the configured ledger backend. The returned closer
// releases its connections.
func OpenLedgerRepo(ctx context.Context, cfg config.LedgerConfig) (storage.LedgerRepository, io.Closer, error) {
	switch cfg.Backend {
	case "", "file":
		repo, err := file.NewLedgerRepo(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using file ledger", "dir", cfg.Dir)
		return repo, nopCloser, nil

	case "memory":
		slog.Warn("Using memory ledger, nothing will persist across runs")
		return memory.NewLedgerRepo(), nopCloser, nil

	case "redis":
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init redis ledger: %w", err)
		}
		slog.Info("Using Redis ledger")
		return redisclient.NewLedgerRepo(client, ""), client, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init db: %w", err)
		}
		slog.Info("Using PostgreSQL ledger")
		return postgres.NewLedgerRepo(db), db, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}
