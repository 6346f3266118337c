package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vietddude/podmirror/internal/control"
	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/core/ledger"
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist [feed] [item_id] [note]",
	Short: "Mark an item as permanently skipped for a feed",
	Args:  cobra.RangeArgs(2, 3),
	Run:   runBlacklist,
}

func init() {
	rootCmd.AddCommand(blacklistCmd)
}

func runBlacklist(cmd *cobra.Command, args []string) {
	feedName, itemID := args[0], strings.TrimSpace(args[1])
	note := "manual"
	if len(args) == 3 {
		note = args[2]
	}

	cfg := loadConfig()

	known := false
	for _, fc := range cfg.Feeds {
		if fc.Name == feedName {
			known = true
			break
		}
	}
	if !known {
		fmt.Printf("Unknown feed: %s\n", feedName)
		os.Exit(1)
	}

	ctx := context.Background()
	repo, closer, err := control.OpenLedgerRepo(ctx, cfg.Ledger)
	if err != nil {
		slog.Error("Failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closer.Close()
	}()

	led, err := ledger.Open(ctx, repo, feedName)
	if err != nil {
		slog.Error("Failed to load ledger", "feed", feedName, "error", err)
		os.Exit(1)
	}

	added, err := led.Record(ctx, itemID, domain.ReasonManual, note)
	if err != nil {
		slog.Error("Failed to blacklist item", "error", err)
		os.Exit(1)
	}
	if !added {
		reason, _ := led.Reason(itemID)
		fmt.Printf("%s is already in the %s ledger (%s)\n", itemID, feedName, reason)
		return
	}
	fmt.Printf("Blacklisted %s for %s\n", itemID, feedName)
}
