package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/podmirror/internal/core/domain"
)

// LedgerRepo implements storage.LedgerRepository using Redis.
//
// Each feed has a set of item ids (membership) and a list of JSON entries
// (the append-only log, oldest first).
type LedgerRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewLedgerRepo creates a new Redis-backed ledger repository.
func NewLedgerRepo(client *Client, prefix string) *LedgerRepo {
	if prefix == "" {
		prefix = "podmirror"
	}
	return &LedgerRepo{rdb: client.rdb, prefix: prefix}
}

// Key helpers
func (r *LedgerRepo) idsKey(feed string) string {
	return fmt.Sprintf("%s:ledger:%s:ids", r.prefix, feed)
}

func (r *LedgerRepo) logKey(feed string) string {
	return fmt.Sprintf("%s:ledger:%s:log", r.prefix, feed)
}

// Load returns every entry of a feed.
func (r *LedgerRepo) Load(ctx context.Context, feed string) ([]domain.LedgerEntry, error) {
	raw, err := r.rdb.LRange(ctx, r.logKey(feed), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}

	entries := make([]domain.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append adds the id to the feed set and, when it was not already present,
// pushes the entry onto the log.
func (r *LedgerRepo) Append(ctx context.Context, e domain.LedgerEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	added, err := r.rdb.SAdd(ctx, r.idsKey(e.Feed), e.ItemID).Result()
	if err != nil {
		return fmt.Errorf("sadd failed: %w", err)
	}
	if added == 0 {
		return nil
	}
	if err := r.rdb.RPush(ctx, r.logKey(e.Feed), data).Err(); err != nil {
		err = fmt.Errorf("rpush failed: %w", err)
		// Roll back membership so a later append can retry the log write. This
		// runs even when ctx is what failed the push.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rbErr := r.rdb.SRem(rbCtx, r.idsKey(e.Feed), e.ItemID).Err(); rbErr != nil {
			slog.Error("Failed to roll back ledger membership, item will not be re-logged",
				"feed", e.Feed, "item", e.ItemID, "error", rbErr)
			return errors.Join(err, fmt.Errorf("srem rollback failed: %w", rbErr))
		}
		return err
	}
	return nil
}
