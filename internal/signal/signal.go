// Package signal turns fetched feed content into numeric signal values.
//
// Each signal is bound to a set of sources and keyword sets. A source's score
// is a dampened match count: min(sqrt(hits)/sqrt(20), 1), so the twentieth
// matching item saturates the source. Per-source scores aggregate by sum or
// max and the result is clamped to the signal's cap. A source that fails to
// fetch or parse contributes zero; it never poisons the signal.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/worldpam/worldpam/internal/bus"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/feed"
	"github.com/worldpam/worldpam/internal/fetch"
	"github.com/worldpam/worldpam/internal/metrics"
	"github.com/worldpam/worldpam/internal/storage"
)

// ErrUnknownSignal is returned for signal names absent from the graph.
var ErrUnknownSignal = errors.New("signal: unknown signal")

// dampening saturates a source's contribution at 20 matching items.
const saturationHits = 20

// Fetcher retrieves raw feed documents. FetchAll fetches a batch with bounded
// concurrency, returning one result per source in input order; satisfied by
// fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, src config.Source) ([]byte, error)
	FetchAll(ctx context.Context, sources []config.Source, maxConcurrent int) []fetch.Result
}

// SourceScore is one source's contribution to a signal.
type SourceScore struct {
	Source string  `json:"source"`
	Hits   int     `json:"hits"`
	Items  int     `json:"items"`
	Score  float64 `json:"score"`
	Err    string  `json:"error,omitempty"`
}

// Result is a computed signal value with its per-source breakdown.
type Result struct {
	Signal      string        `json:"signal"`
	Value       float64       `json:"value"`
	Aggregation string        `json:"aggregation"`
	Cap         float64       `json:"cap"`
	Sources     []SourceScore `json:"sources"`
	ItemCount   int           `json:"item_count"`
	Country     string        `json:"country,omitempty"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// Computer computes signal values from live feed content.
type Computer struct {
	graph         *config.Graph
	fetcher       Fetcher
	store         *storage.Store
	events        *bus.Bus
	metrics       *metrics.Collector
	logger        *slog.Logger
	maxConcurrent int

	now func() time.Time
}

// Option adjusts a Computer.
type Option func(*Computer)

// WithMaxConcurrent bounds how many sources a single signal computation
// fetches in parallel.
func WithMaxConcurrent(n int) Option {
	return func(c *Computer) { c.maxConcurrent = n }
}

// New creates a Computer. store and events may be nil for one-shot CLI use;
// persistence and event publication are then skipped.
func New(graph *config.Graph, fetcher Fetcher, store *storage.Store, events *bus.Bus,
	m *metrics.Collector, logger *slog.Logger, opts ...Option) *Computer {
	c := &Computer{
		graph:         graph,
		fetcher:       fetcher,
		store:         store,
		events:        events,
		metrics:       m,
		logger:        logger,
		maxConcurrent: 1,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute evaluates one signal. country, when non-empty, is added to the
// keyword union so the signal narrows to coverage mentioning it.
func (c *Computer) Compute(ctx context.Context, name, country string) (Result, error) {
	def, ok := c.graph.Signal(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	binding, ok := c.graph.Bindings[name]
	if !ok {
		// A signal without a binding has no inputs and scores zero.
		return Result{Signal: name, Aggregation: def.Aggregation, Cap: def.Cap,
			ComputedAt: c.now().UTC()}, nil
	}

	done := c.metrics.StartTimer("signal_compute", map[string]string{"signal": name})
	defer done()

	keywords := c.keywordUnion(binding, country)
	now := c.now()

	sources := make([]config.Source, 0, len(binding.Sources))
	for _, srcName := range binding.Sources {
		if src, ok := c.graph.Source(srcName); ok {
			sources = append(sources, src)
		}
	}

	var (
		scores    []SourceScore
		itemCount int
	)
	for _, fr := range c.fetcher.FetchAll(ctx, sources, c.maxConcurrent) {
		score := c.scoreFetched(ctx, fr, keywords, binding.WindowDays, now)
		scores = append(scores, score)
		itemCount += score.Items
	}

	value := aggregate(def.Aggregation, scores)
	if value > def.Cap {
		value = def.Cap
	}

	res := Result{
		Signal:      name,
		Value:       value,
		Aggregation: def.Aggregation,
		Cap:         def.Cap,
		Sources:     scores,
		ItemCount:   itemCount,
		Country:     country,
		ComputedAt:  now.UTC(),
	}
	c.persist(ctx, res)
	return res, nil
}

// ComputeAll evaluates every signal in the graph. Signals that fail are
// logged and skipped; the returned map holds the rest.
func (c *Computer) ComputeAll(ctx context.Context, country string) map[string]Result {
	results := make(map[string]Result, len(c.graph.Signals))
	for _, def := range c.graph.Signals {
		res, err := c.Compute(ctx, def.Name, country)
		if err != nil {
			c.logger.Warn("signal computation failed",
				slog.String("signal", def.Name), slog.Any("error", err))
			continue
		}
		results[def.Name] = res
	}
	return results
}

func (c *Computer) keywordUnion(binding config.Binding, country string) []string {
	seen := make(map[string]struct{})
	var keywords []string
	add := func(kw string) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			return
		}
		if _, dup := seen[kw]; dup {
			return
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}
	for _, setName := range binding.KeywordSets {
		for _, kw := range c.graph.KeywordSets[setName] {
			add(kw)
		}
	}
	add(country)
	return keywords
}

// scoreFetched scores one source from its fetch outcome. Every parsed item is
// persisted; only items inside the signal's window count toward the score.
func (c *Computer) scoreFetched(ctx context.Context, fr fetch.Result,
	keywords []string, windowDays int, now time.Time) SourceScore {

	src := fr.Source
	if fr.Err != nil {
		c.updateStatus(ctx, storage.SourceStatus{
			SourceName: src.Name, LastFetch: now, OK: false, Error: fr.Err.Error(),
		})
		return SourceScore{Source: src.Name, Err: fr.Err.Error()}
	}

	items := feed.Parse(src.Kind, fr.Body)
	c.updateStatus(ctx, storage.SourceStatus{
		SourceName: src.Name, LastFetch: now, OK: true, ItemCount: len(items),
	})

	hits := 0
	inWindow := 0
	for _, it := range items {
		published := feed.ResolveDate(it.PublishedRaw, windowDays, now)
		c.storeItem(ctx, src.Name, it, published, now)
		if !feed.WithinWindow(published, windowDays, now) {
			continue
		}
		inWindow++
		if matchesAny(it, keywords) {
			hits++
		}
	}

	return SourceScore{
		Source: src.Name,
		Hits:   hits,
		Items:  inWindow,
		Score:  dampen(hits),
	}
}

// dampen maps a match count into [0, 1] with square-root damping.
func dampen(hits int) float64 {
	if hits <= 0 {
		return 0
	}
	score := math.Sqrt(float64(hits)) / math.Sqrt(saturationHits)
	return math.Min(score, 1)
}

func matchesAny(it feed.Item, keywords []string) bool {
	text := strings.ToLower(it.Title + " " + it.Summary)
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func aggregate(mode string, scores []SourceScore) float64 {
	var value float64
	for _, s := range scores {
		if mode == "max" {
			value = math.Max(value, s.Score)
		} else {
			value += s.Score
		}
	}
	return value
}

func (c *Computer) persist(ctx context.Context, res Result) {
	if c.store != nil {
		sourceCount := 0
		for _, s := range res.Sources {
			if s.Err == "" {
				sourceCount++
			}
		}
		_, err := c.store.StoreSignalValue(ctx, storage.SignalValue{
			SignalName:  res.Signal,
			Value:       res.Value,
			SourceCount: sourceCount,
			ItemCount:   res.ItemCount,
			Country:     res.Country,
			ComputedAt:  res.ComputedAt,
		})
		if err != nil {
			c.logger.Warn("signal persistence failed",
				slog.String("signal", res.Signal), slog.Any("error", err))
		}
	}
	if c.events != nil {
		c.events.Publish(bus.SignalUpdate{
			Signal:      res.Signal,
			Value:       res.Value,
			SourceCount: len(res.Sources),
			ItemCount:   res.ItemCount,
			At:          res.ComputedAt,
		})
	}
}

func (c *Computer) storeItem(ctx context.Context, source string, it feed.Item,
	published *time.Time, now time.Time) {
	if c.store == nil {
		return
	}
	_, _, err := c.store.StoreFeedItem(ctx, storage.FeedItem{
		SourceName: source,
		Title:      it.Title,
		Summary:    it.Summary,
		URL:        it.Link,
		Published:  published,
		FetchedAt:  now,
	})
	if err != nil {
		c.logger.Warn("feed item persistence failed",
			slog.String("source", source), slog.Any("error", err))
	}
}

func (c *Computer) updateStatus(ctx context.Context, st storage.SourceStatus) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateSourceStatus(ctx, st); err != nil {
		c.logger.Warn("source status update failed",
			slog.String("source", st.SourceName), slog.Any("error", err))
	}
}
