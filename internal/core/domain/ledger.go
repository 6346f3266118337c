package domain

import "time"

// LedgerEntry is one permanently resolved item of a feed.
type LedgerEntry struct {
	Feed       string      `json:"feed"        db:"feed"`
	ItemID     string      `json:"item_id"     db:"item_id"`
	Reason     EntryReason `json:"reason"      db:"reason"`
	Note       string      `json:"note"        db:"note"`
	RecordedAt time.Time   `json:"recorded_at" db:"recorded_at"`
}

type EntryReason string

const (
	ReasonPublished EntryReason = "published"
	ReasonPermanent EntryReason = "permanent"
	ReasonManual    EntryReason = "manual"
)
