package storage

import (
	"context"
	"errors"

	"github.com/vietddude/podmirror/internal/core/domain"
)

var (
	// ErrLocked is returned when another run holds the state directory.
	ErrLocked = errors.New("state directory is locked by another run")
)

// LedgerRepository persists run ledger entries.
//
// Repositories are append-only: entries are never rewritten or compacted.
// Uniqueness per (feed, item) is enforced by ledger.Ledger; backends that can
// reject duplicates cheaply do so as well.
type LedgerRepository interface {
	// Load returns every entry recorded for a feed, oldest first.
	Load(ctx context.Context, feed string) ([]domain.LedgerEntry, error)

	// Append durably records one entry before returning.
	Append(ctx context.Context, entry domain.LedgerEntry) error
}
