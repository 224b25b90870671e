// Package detect notices when a source's feed content changes between
// ingestion runs and announces the change on the event bus.
package detect

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/worldpam/worldpam/internal/bus"
	"github.com/worldpam/worldpam/internal/feed"
)

const (
	// hashDepth bounds how many leading items feed identity is computed over,
	// so feeds with deep archives still hash cheaply and stably.
	hashDepth = 10

	previewItems = 5
)

// Detector tracks a content fingerprint per source. The first observation of
// a source establishes the baseline silently; later observations with a
// different fingerprint publish a FeedUpdated event.
type Detector struct {
	events *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	lastHash map[string]string
}

// New creates a Detector publishing to events.
func New(events *bus.Bus, logger *slog.Logger) *Detector {
	return &Detector{
		events:   events,
		logger:   logger,
		lastHash: make(map[string]string),
	}
}

// Fingerprint hashes the first items of a feed into a stable identity.
func Fingerprint(items []feed.Item) string {
	h := md5.New()
	for i, it := range items {
		if i >= hashDepth {
			break
		}
		h.Write([]byte(it.Title))
		h.Write([]byte(it.Summary))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Observe records the current feed content for a source and reports whether
// it changed since the previous observation.
func (d *Detector) Observe(source, url string, items []feed.Item) bool {
	fp := Fingerprint(items)

	d.mu.Lock()
	prev, seen := d.lastHash[source]
	d.lastHash[source] = fp
	d.mu.Unlock()

	if !seen {
		d.logger.Debug("feed baseline established", slog.String("source", source))
		return false
	}
	if prev == fp {
		return false
	}

	preview := make([]bus.ItemPreview, 0, previewItems)
	for i, it := range items {
		if i >= previewItems {
			break
		}
		preview = append(preview, bus.ItemPreview{Title: it.Title, Summary: it.Summary})
	}
	d.events.Publish(bus.FeedUpdated{
		Source:    source,
		URL:       url,
		ItemCount: len(items),
		Preview:   preview,
		At:        time.Now().UTC(),
	})
	d.logger.Info("feed content changed",
		slog.String("source", source),
		slog.Int("items", len(items)))
	return true
}
