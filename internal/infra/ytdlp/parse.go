package ytdlp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
)

type info struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	WebpageURL  string   `json:"webpage_url"`
	Description string   `json:"description"`
	Uploader    string   `json:"uploader"`
	Channel     string   `json:"channel"`
	Duration    float64  `json:"duration"`
	Timestamp   *int64   `json:"timestamp"`
	UploadDate  string   `json:"upload_date"`
	Thumbnail   string   `json:"thumbnail"`
	Categories  []string `json:"categories"`
	Thumbnails  []struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
}

type playlist struct {
	Title   string  `json:"title"`
	Entries []*info `json:"entries"`
}

// ParsePlaylist decodes `yt-dlp --flat-playlist -J` output. Null entries
// (deleted or hidden videos) are skipped.
func ParsePlaylist(data []byte) (domain.ScanResult, error) {
	var pl playlist
	if err := json.Unmarshal(data, &pl); err != nil {
		return domain.ScanResult{}, fmt.Errorf("parse playlist JSON: %w", err)
	}

	res := domain.ScanResult{Title: pl.Title, Items: make([]domain.CandidateItem, 0, len(pl.Entries))}
	for _, e := range pl.Entries {
		if e == nil || strings.TrimSpace(e.ID) == "" {
			continue
		}
		res.Items = append(res.Items, e.toItem())
	}
	return res, nil
}

// ParseInfo decodes the last JSON object printed by --dump-json.
func ParseInfo(data []byte) (domain.CandidateItem, error) {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var in info
		if err := json.Unmarshal(line, &in); err != nil {
			return domain.CandidateItem{}, fmt.Errorf("parse item JSON: %w", err)
		}
		item := in.toItem()
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err == nil {
			item.Raw = raw
		}
		return item, nil
	}
	return domain.CandidateItem{}, fmt.Errorf("no item JSON in output")
}

func (in *info) toItem() domain.CandidateItem {
	item := domain.CandidateItem{
		ID:          in.ID,
		Title:       in.Title,
		URL:         in.WebpageURL,
		Description: in.Description,
		Uploader:    in.Uploader,
		Thumbnail:   in.Thumbnail,
		Duration:    time.Duration(in.Duration * float64(time.Second)),
		Categories:  in.Categories,
	}
	if item.URL == "" && strings.HasPrefix(in.URL, "http") {
		item.URL = in.URL
	}
	if item.Uploader == "" {
		item.Uploader = in.Channel
	}
	if item.Thumbnail == "" && len(in.Thumbnails) > 0 {
		item.Thumbnail = in.Thumbnails[len(in.Thumbnails)-1].URL
	}
	item.UploadedAt = uploadTime(in.Timestamp, in.UploadDate)
	return item
}

func uploadTime(ts *int64, date string) *time.Time {
	if ts != nil && *ts > 0 {
		t := time.Unix(*ts, 0).UTC()
		return &t
	}
	if len(date) == 8 {
		if t, err := time.Parse("20060102", date); err == nil {
			return &t
		}
	}
	return nil
}
