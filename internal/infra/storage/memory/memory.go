package memory

import (
	"context"
	"sync"

	"github.com/vietddude/podmirror/internal/core/domain"
)

// LedgerRepo keeps ledger entries in process memory.
type LedgerRepo struct {
	mu      sync.RWMutex
	entries map[string][]domain.LedgerEntry
}

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{entries: make(map[string][]domain.LedgerEntry)}
}

func (r *LedgerRepo) Load(ctx context.Context, feed string) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.LedgerEntry, len(r.entries[feed]))
	copy(out, r.entries[feed])
	return out, nil
}

func (r *LedgerRepo) Append(ctx context.Context, e domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Feed] = append(r.entries[e.Feed], e)
	return nil
}

// Entries returns a copy of every entry of a feed.
func (r *LedgerRepo) Entries(feed string) []domain.LedgerEntry {
	out, _ := r.Load(context.Background(), feed)
	return out
}
