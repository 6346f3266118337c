package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/podmirror/internal/control"
	"github.com/vietddude/podmirror/internal/core/config"
	"github.com/vietddude/stylelog"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "podmirror",
	Short: "Mirror YouTube playlists into podcast feeds",
	Long: `podmirror scans playlists, acquires audio for new items through a chain of
download strategies and publishes them as podcast RSS feeds.`,
	Run: runMirror,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one mirroring pass over every configured feed",
	Run:   runMirror,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads .env and the config file, then installs the logger.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func runMirror(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := control.NewSupervisor(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize podmirror", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting podmirror", "config", cfgPath, "feeds", len(cfg.Feeds))
	summary, err := sup.Run(ctx)
	if cerr := sup.Close(); cerr != nil {
		slog.Warn("Error during shutdown", "error", cerr)
	}
	if err != nil {
		slog.Error("Run aborted", "error", err)
		os.Exit(1)
	}

	for _, r := range summary.Reports {
		if r.Err != nil {
			slog.Error("Feed failed", "feed", r.Feed, "error", r.Err)
		}
		if r.Quarantined {
			slog.Error("Feed write quarantined", "feed", r.Feed, "quarantine", r.Document.QuarantinePath)
		}
	}
	if summary.Failed() {
		os.Exit(2)
	}
}
