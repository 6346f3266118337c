// Package file keeps run state in plain files under the state directory.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
)

// LedgerRepo stores one append-only log per feed: <dir>/<feed>.log.
//
// Each line is "id<TAB>reason<TAB>RFC3339 time<TAB>note". A line holding only
// an id is read as a published entry, so a bare list of downloaded ids can be
// imported by copying it into place.
type LedgerRepo struct {
	dir string
}

// NewLedgerRepo creates the ledger directory if needed.
func NewLedgerRepo(dir string) (*LedgerRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}
	return &LedgerRepo{dir: dir}, nil
}

// Path returns the log file of a feed.
func (r *LedgerRepo) Path(feed string) string {
	return filepath.Join(r.dir, feed+".log")
}

// Load reads every entry of a feed. A missing log is an empty ledger.
func (r *LedgerRepo) Load(_ context.Context, feed string) ([]domain.LedgerEntry, error) {
	f, err := os.Open(r.Path(feed))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", feed, err)
	}
	defer f.Close()

	var entries []domain.LedgerEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, parseLine(feed, line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", feed, err)
	}
	return entries, nil
}

// Append writes one line in append mode and syncs it to disk.
func (r *LedgerRepo) Append(_ context.Context, e domain.LedgerEntry) error {
	f, err := os.OpenFile(r.Path(e.Feed), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", e.Feed, err)
	}
	if _, err := f.WriteString(formatLine(e)); err != nil {
		_ = f.Close()
		return fmt.Errorf("append ledger %s: %w", e.Feed, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync ledger %s: %w", e.Feed, err)
	}
	return f.Close()
}

func formatLine(e domain.LedgerEntry) string {
	note := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(e.Note)
	return fmt.Sprintf("%s\t%s\t%s\t%s\n", e.ItemID, e.Reason, e.RecordedAt.UTC().Format(time.RFC3339), note)
}

func parseLine(feed, line string) domain.LedgerEntry {
	parts := strings.SplitN(line, "\t", 4)
	e := domain.LedgerEntry{
		Feed:   feed,
		ItemID: strings.TrimSpace(parts[0]),
		Reason: domain.ReasonPublished,
	}
	if len(parts) > 1 && parts[1] != "" {
		e.Reason = domain.EntryReason(parts[1])
	}
	if len(parts) > 2 {
		if t, err := time.Parse(time.RFC3339, parts[2]); err == nil {
			e.RecordedAt = t
		}
	}
	if len(parts) > 3 {
		e.Note = parts[3]
	}
	return e
}
