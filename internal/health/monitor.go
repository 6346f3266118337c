package health

import (
	"sync"
	"time"

	"github.com/vietddude/podmirror/internal/mirroring/batch"
)

// Monitor aggregates progress reported by the batch controller. It is the
// only state shared with the status server goroutine.
type Monitor struct {
	mu        sync.RWMutex
	runID     string
	startedAt time.Time
	remaining func() time.Duration
	feeds     map[string]FeedHealth
}

// NewMonitor creates a monitor for one run. remaining may be nil.
func NewMonitor(runID string, remaining func() time.Duration) *Monitor {
	return &Monitor{
		runID:     runID,
		startedAt: time.Now(),
		remaining: remaining,
		feeds:     make(map[string]FeedHealth),
	}
}

// FeedPhase implements batch.Observer.
func (m *Monitor) FeedPhase(feed string, phase batch.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.feeds[feed]
	h.Feed = feed
	h.Phase = string(phase)
	if h.Status == "" {
		h.Status = StatusHealthy
	}
	m.feeds[feed] = h
}

// ItemDone implements batch.Observer.
func (m *Monitor) ItemDone(feed, itemID, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.feeds[feed]
	h.Feed = feed
	h.LastItem = itemID
	switch outcome {
	case "acquired":
		h.Acquired++
	case "permanent":
		h.Blacklisted++
	case "deferred":
		h.Deferred++
	}
	m.feeds[feed] = h
}

// RecordReport stores the final report of a feed.
func (m *Monitor) RecordReport(rep batch.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.feeds[rep.Feed]
	h.Feed = rep.Feed
	h.Phase = string(rep.Phase)
	h.Acquired = rep.Acquired
	h.Published = rep.Published
	h.Blacklisted = rep.Blacklisted
	h.Deferred = rep.Deferred
	h.Unresolved = rep.Unresolved
	h.ScanErrors = rep.ScanErrors
	h.Quarantined = rep.Quarantined
	if rep.Err != nil {
		h.Error = rep.Err.Error()
	}
	h.Status = evaluate(h)
	m.feeds[rep.Feed] = h
}

// CheckHealth returns a snapshot of every feed seen so far.
func (m *Monitor) CheckHealth() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := HealthReport{
		SystemStatus: StatusHealthy,
		RunID:        m.runID,
		StartedAt:    m.startedAt,
		Feeds:        make(map[string]FeedHealth, len(m.feeds)),
	}
	if m.remaining != nil {
		report.BudgetRemaining = m.remaining().Round(time.Second).String()
	}

	// Aggregate status (worst case wins)
	for name, h := range m.feeds {
		report.Feeds[name] = h
		switch h.Status {
		case StatusCritical:
			report.SystemStatus = StatusCritical
		case StatusDegraded:
			if report.SystemStatus != StatusCritical {
				report.SystemStatus = StatusDegraded
			}
		}
	}
	return report
}

func evaluate(h FeedHealth) SystemStatus {
	switch {
	case h.Quarantined:
		return StatusCritical
	case h.Error != "" || h.ScanErrors > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
