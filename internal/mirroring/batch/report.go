package batch

import (
	"time"

	"github.com/vietddude/podmirror/internal/mirroring/feed"
)

// Phase is a state of the per-feed state machine.
type Phase string

const (
	PhaseScanning   Phase = "scanning"
	PhaseFiltering  Phase = "filtering"
	PhaseAcquiring  Phase = "acquiring"
	PhaseRetry      Phase = "retry"
	PhaseFinalizing Phase = "finalizing"
	PhaseDone       Phase = "done"
)

// Report summarizes one feed's processing.
type Report struct {
	Feed       string
	Phase      Phase
	Scanned    int // unique items returned by all sources
	ScanErrors int
	Skipped    int // already in the ledger
	Filtered   int // dropped by the category filter
	Candidates int // considered after the search window

	Attempts    int
	Rotations   int
	Acquired    int // uploaded this run
	Published   int // written to the feed and ledgered
	Blacklisted int // permanent failures ledgered this run
	Deferred    int // entered the retry queue
	Unresolved  int // left for the next run

	BudgetExpired bool
	Canceled      bool
	Quarantined   bool
	Document      feed.Result
	Duration      time.Duration
	Err           error
}
