package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/podmirror/internal/core/domain"
)

// LedgerRepo implements storage.LedgerRepository using PostgreSQL.
type LedgerRepo struct {
	db *DB
}

// NewLedgerRepo creates a new PostgreSQL ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Load returns the entries of a feed in insertion order.
func (r *LedgerRepo) Load(ctx context.Context, feed string) ([]domain.LedgerEntry, error) {
	query := `
		SELECT feed, item_id, reason, note, recorded_at
		FROM ledger_entries
		WHERE feed = $1
		ORDER BY id ASC
	`
	var entries []domain.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, feed); err != nil {
		return nil, fmt.Errorf("failed to load ledger %s: %w", feed, err)
	}
	return entries, nil
}

// Append inserts one entry; an existing (feed, item_id) row is left as is.
func (r *LedgerRepo) Append(ctx context.Context, e domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (feed, item_id, reason, note, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (feed, item_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, e.Feed, e.ItemID, string(e.Reason), e.Note, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}
