// Package health provides run progress monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the run or a feed.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// FeedHealth contains progress for one feed.
type FeedHealth struct {
	Feed        string       `json:"feed"`
	Status      SystemStatus `json:"status"`
	Phase       string       `json:"phase"`
	LastItem    string       `json:"last_item,omitempty"`
	Acquired    int          `json:"acquired"`
	Published   int          `json:"published"`
	Blacklisted int          `json:"blacklisted"`
	Deferred    int          `json:"deferred"`
	Unresolved  int          `json:"unresolved"`
	ScanErrors  int          `json:"scan_errors"`
	Quarantined bool         `json:"quarantined"`
	Error       string       `json:"error,omitempty"`
}

// HealthReport contains the full run report.
type HealthReport struct {
	SystemStatus    SystemStatus          `json:"system_status"`
	RunID           string                `json:"run_id"`
	StartedAt       time.Time             `json:"started_at"`
	BudgetRemaining string                `json:"budget_remaining"`
	Feeds           map[string]FeedHealth `json:"feeds"`
}
