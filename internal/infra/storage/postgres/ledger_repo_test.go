package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
)

// Runs against a real database only when PODMIRROR_TEST_DATABASE_URL is set.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("PODMIRROR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PODMIRROR_TEST_DATABASE_URL not set")
	}
	db, err := NewDB(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLedgerRepo_AppendLoad(t *testing.T) {
	db := openTestDB(t)
	repo := NewLedgerRepo(db)
	ctx := context.Background()
	feed := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM ledger_entries WHERE feed = $1`, feed)
	})

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []domain.LedgerEntry{
		{Feed: feed, ItemID: "b", Reason: domain.ReasonPublished, RecordedAt: at},
		{Feed: feed, ItemID: "a", Reason: domain.ReasonPermanent, Note: "private video", RecordedAt: at},
		{Feed: feed, ItemID: "b", Reason: domain.ReasonManual, RecordedAt: at},
	}
	for _, e := range entries {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s): %v", e.ItemID, err)
		}
	}

	got, err := repo.Load(ctx, feed)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %+v", got)
	}
	if got[0].ItemID != "b" || got[0].Reason != domain.ReasonPublished {
		t.Errorf("first entry = %+v, want the original b", got[0])
	}
	if got[1].ItemID != "a" || got[1].Note != "private video" {
		t.Errorf("second entry = %+v", got[1])
	}
	if !got[0].RecordedAt.Equal(at) {
		t.Errorf("recorded_at = %v, want %v", got[0].RecordedAt, at)
	}
}
