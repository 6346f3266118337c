package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/infra/storage"
)

var (
	// ErrEmptyID is returned when recording an item without an id.
	ErrEmptyID = errors.New("ledger: empty item id")
)

// Ledger is the per-feed record of resolved item ids.
//
// It is loaded once at feed start and only ever appended to. An id present
// in the ledger is never attempted again.
type Ledger struct {
	repo storage.LedgerRepository
	feed string
	now  func() time.Time

	mu      sync.RWMutex
	ids     map[string]domain.EntryReason
	entries []domain.LedgerEntry
}

// Open loads the ledger of a feed from the repository.
func Open(ctx context.Context, repo storage.LedgerRepository, feed string) (*Ledger, error) {
	entries, err := repo.Load(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger for %s: %w", feed, err)
	}

	l := &Ledger{
		repo: repo,
		feed: feed,
		now:  time.Now,
		ids:  make(map[string]domain.EntryReason, len(entries)),
	}
	for _, e := range entries {
		id := strings.TrimSpace(e.ItemID)
		if id == "" {
			continue
		}
		if _, seen := l.ids[id]; seen {
			continue
		}
		l.ids[id] = e.Reason
		l.entries = append(l.entries, e)
	}
	return l, nil
}

// Feed returns the feed name this ledger belongs to.
func (l *Ledger) Feed() string {
	return l.feed
}

// Contains reports whether the id has already been resolved.
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[strings.TrimSpace(id)]
	return ok
}

// Reason returns why an id was recorded.
func (l *Ledger) Reason(id string) (domain.EntryReason, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.ids[strings.TrimSpace(id)]
	return r, ok
}

// Record appends an id to the ledger. It returns false without writing when
// the id is already present, so every id is persisted at most once.
func (l *Ledger) Record(ctx context.Context, id string, reason domain.EntryReason, note string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrEmptyID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[id]; ok {
		return false, nil
	}

	entry := domain.LedgerEntry{
		Feed:       l.feed,
		ItemID:     id,
		Reason:     reason,
		Note:       note,
		RecordedAt: l.now().UTC(),
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		return false, fmt.Errorf("failed to append %s to ledger: %w", id, err)
	}

	l.ids[id] = reason
	l.entries = append(l.entries, entry)
	return true, nil
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// Count returns the number of ids recorded with the given reason.
func (l *Ledger) Count(reason domain.EntryReason) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, r := range l.ids {
		if r == reason {
			n++
		}
	}
	return n
}

// Entries returns a copy of the entries in append order.
func (l *Ledger) Entries() []domain.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
