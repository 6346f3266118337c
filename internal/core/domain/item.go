package domain

import "time"

// Source is one playlist or channel feeding candidate items into a feed.
type Source struct {
	Feed string
	URL  string
}

// CandidateItem is an item produced by a playlist scan.
type CandidateItem struct {
	ID          string
	Title       string
	URL         string
	Description string
	Uploader    string
	UploadedAt  *time.Time
	Thumbnail   string
	Duration    time.Duration
	Categories  []string
	Raw         map[string]any
}

// WatchURL returns the canonical URL used to fetch the item.
func (c CandidateItem) WatchURL() string {
	if c.URL != "" {
		return c.URL
	}
	return "https://www.youtube.com/watch?v=" + c.ID
}

// ScanResult is the lightweight listing of one source.
type ScanResult struct {
	Title string
	Items []CandidateItem
}

// Episode is one entry appended to a podcast feed.
type Episode struct {
	ID           string
	Title        string
	Description  string
	Link         string
	PublishedAt  time.Time
	EnclosureURL string
	EnclosureLen int64
	MimeType     string
	ArtworkURL   string
	Duration     time.Duration
}
