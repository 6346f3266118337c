package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vietddude/podmirror/internal/control"
	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/core/ledger"
	"github.com/vietddude/podmirror/internal/mirroring/feed"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger and feed entry counts for every configured feed",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	repo, closer, err := control.OpenLedgerRepo(ctx, cfg.Ledger)
	if err != nil {
		slog.Error("Failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closer.Close()
	}()

	asm := feed.NewAssembler(feed.Config{Dir: cfg.Run.FeedsDir}, nil)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "FEED\tPUBLISHED\tPERMANENT\tMANUAL\tFEED ENTRIES")

	for _, fc := range cfg.Feeds {
		led, err := ledger.Open(ctx, repo, fc.Name)
		if err != nil {
			slog.Error("Failed to load ledger", "feed", fc.Name, "error", err)
			continue
		}
		entries, err := asm.Count(fc.Name)
		if err != nil {
			slog.Warn("Failed to read feed", "feed", fc.Name, "error", err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			fc.Name,
			led.Count(domain.ReasonPublished),
			led.Count(domain.ReasonPermanent),
			led.Count(domain.ReasonManual),
			entries,
		)
	}
	_ = w.Flush()
}
