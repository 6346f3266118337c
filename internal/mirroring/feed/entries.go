package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/eduncan911/podcast"
	"github.com/mmcdole/gofeed"
	"github.com/vietddude/podmirror/internal/core/domain"
)

// EpisodeFor builds the feed entry of an acquired item. Metadata reported by
// the engine wins over the scan snapshot; the publish time falls back to now.
func EpisodeFor(a domain.Artifact, item domain.CandidateItem, now time.Time) domain.Episode {
	meta := a.Metadata
	ep := domain.Episode{
		ID:           coalesce(a.ItemID, meta.ID, item.ID),
		Title:        coalesce(meta.Title, item.Title),
		Description:  coalesce(meta.Description, item.Description),
		Link:         item.WatchURL(),
		EnclosureURL: a.URL,
		EnclosureLen: a.Size,
		MimeType:     a.MimeType,
		ArtworkURL:   coalesce(meta.Thumbnail, item.Thumbnail),
		Duration:     meta.Duration,
		PublishedAt:  now.UTC(),
	}
	if ep.Title == "" {
		ep.Title = ep.ID
	}
	if ep.Duration == 0 {
		ep.Duration = item.Duration
	}
	switch {
	case meta.UploadedAt != nil:
		ep.PublishedAt = meta.UploadedAt.UTC()
	case item.UploadedAt != nil:
		ep.PublishedAt = item.UploadedAt.UTC()
	}
	return ep
}

func existingEpisodes(f *gofeed.Feed) []domain.Episode {
	if f == nil {
		return nil
	}
	out := make([]domain.Episode, 0, len(f.Items))
	for _, it := range f.Items {
		if it == nil {
			continue
		}
		ep := domain.Episode{
			Title:       it.Title,
			Description: coalesce(it.Description, it.Content),
			Link:        it.Link,
		}
		if it.PublishedParsed != nil {
			ep.PublishedAt = it.PublishedParsed.UTC()
		}
		if len(it.Enclosures) > 0 && it.Enclosures[0] != nil {
			enc := it.Enclosures[0]
			ep.EnclosureURL = enc.URL
			ep.MimeType = enc.Type
			ep.EnclosureLen, _ = strconv.ParseInt(strings.TrimSpace(enc.Length), 10, 64)
		}
		if it.ITunesExt != nil {
			ep.ArtworkURL = it.ITunesExt.Image
			ep.Duration = parseDuration(it.ITunesExt.Duration)
		}
		if ep.ArtworkURL == "" && it.Image != nil {
			ep.ArtworkURL = it.Image.URL
		}
		ep.ID = coalesce(it.GUID, ep.EnclosureURL, it.Link)
		out = append(out, ep)
	}
	return out
}

type droppedEntry struct {
	id  string
	err error
}

// render serializes the document. Entries the podcast library rejects are
// left out and reported.
func render(meta Meta, entries []domain.Episode, now time.Time) ([]byte, []droppedEntry, error) {
	built := now.UTC()
	p := podcast.New(meta.Title, meta.Link, meta.Description, &built, &built)
	p.Generator = "podmirror"
	p.IExplicit = "no"
	if meta.Image != "" {
		p.AddImage(meta.Image)
	}

	var dropped []droppedEntry
	for _, e := range entries {
		item := podcast.Item{
			GUID:        e.ID,
			Title:       e.Title,
			Description: coalesce(e.Description, e.Title),
			Link:        e.Link,
		}
		if !e.PublishedAt.IsZero() {
			pub := e.PublishedAt
			item.PubDate = &pub
		}
		if e.EnclosureURL != "" {
			item.AddEnclosure(e.EnclosureURL, enclosureType(e.MimeType), e.EnclosureLen)
		}
		if e.ArtworkURL != "" {
			item.AddImage(e.ArtworkURL)
		}
		if e.Duration > 0 {
			item.AddDuration(int64(e.Duration / time.Second))
		}
		if _, err := p.AddItem(item); err != nil {
			dropped = append(dropped, droppedEntry{id: e.ID, err: err})
		}
	}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, dropped, err
	}
	return buf.Bytes(), dropped, nil
}

// CountItems counts <item> elements in a raw document without relying on
// the feed parser. Unparseable tails fall back to a plain byte scan.
func CountItems(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	n := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n
			}
			break
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "item" {
			n++
		}
	}
	return max(n, bytes.Count(raw, []byte("<item>"))+bytes.Count(raw, []byte("<item ")))
}

func enclosureType(mime string) podcast.EnclosureType {
	switch strings.ToLower(mime) {
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return podcast.M4A
	case "video/mp4":
		return podcast.MP4
	case "video/quicktime":
		return podcast.MOV
	default:
		return podcast.MP3
	}
}

// parseDuration reads itunes:duration in seconds, MM:SS or HH:MM:SS form.
func parseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var total int64
	for _, part := range strings.Split(s, ":") {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil || v < 0 {
			return 0
		}
		total = total*60 + v
	}
	return time.Duration(total) * time.Second
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
