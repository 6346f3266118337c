package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsScanned tracks items returned by source listings per feed
	ItemsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_items_scanned_total",
			Help: "Total number of items returned by source scans",
		},
		[]string{"feed"},
	)

	// ScanErrors tracks failed source listings
	ScanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_scan_errors_total",
			Help: "Total number of failed source scans",
		},
		[]string{"feed"},
	)

	// AttemptsTotal tracks acquisition attempts per strategy and outcome kind
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_attempts_total",
			Help: "Total number of acquisition attempts",
		},
		[]string{"strategy", "result"},
	)

	// AttemptDuration tracks how long one attempt takes
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podmirror_attempt_duration_seconds",
			Help:    "Acquisition attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"strategy"},
	)

	// ItemsResolved tracks final item outcomes per feed
	ItemsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_items_total",
			Help: "Total number of items by final outcome",
		},
		[]string{"feed", "outcome"},
	)

	// IdentityRotations tracks identity rotation requests
	IdentityRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_identity_rotations_total",
			Help: "Total number of identity rotations requested",
		},
		[]string{"result"},
	)

	// FeedEntries tracks the entry count of each written feed
	FeedEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podmirror_feed_entries",
			Help: "Number of entries in the feed document",
		},
		[]string{"feed"},
	)

	// FeedQuarantines tracks refused feed writes
	FeedQuarantines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_feed_quarantines_total",
			Help: "Total number of feed writes refused by the entry guard",
		},
		[]string{"feed"},
	)

	// PacingDelay tracks the last inter-item pause
	PacingDelay = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podmirror_pacing_delay_seconds",
			Help: "Last inter-item pacing delay in seconds",
		},
	)

	// RunBudgetRemaining tracks the time left in the run budget
	RunBudgetRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podmirror_run_budget_remaining_seconds",
			Help: "Seconds left in the run budget",
		},
	)
)

// WriteTextfile writes the default registry to path in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
