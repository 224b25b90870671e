// Package config loads and validates the declarative feed/signal/hypothesis
// graph and the process-level settings.
//
// The graph is the source of truth for the whole engine: which feeds are
// polled, which keyword sets score them into signals, and how signals compose
// into hypothesis probabilities. A graph that fails validation is rejected
// atomically — no partially applied state.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrValidation wraps all violations found in a loaded graph.
var ErrValidation = errors.New("config: validation failed")

// Source is a named RSS or Atom feed endpoint.
type Source struct {
	Name    string  `json:"name"`
	URL     string  `json:"url"`
	Kind    string  `json:"type"` // "rss" or "atom"
	Timeout float64 `json:"timeout"`
}

// TimeoutDuration returns the per-source fetch timeout.
func (s Source) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout * float64(time.Second))
}

// SignalDef defines a named signal: its logit weight, how per-source scores
// aggregate, and the cap applied after aggregation.
type SignalDef struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
	Aggregation string  `json:"aggregation"` // "sum" or "max"
	Cap         float64 `json:"cap"`
}

// HypothesisDef composes signals into a probability via a logistic model.
type HypothesisDef struct {
	Name    string   `json:"name"`
	Prior   float64  `json:"prior"`
	Signals []string `json:"signals"`
}

// Binding maps a signal to the sources, keyword sets, and window that compute it.
type Binding struct {
	Sources     []string `json:"sources"`
	KeywordSets []string `json:"keywords"`
	WindowDays  int      `json:"window_days"`
}

// Graph is the full declarative document. Immutable after Load; callers share
// it by read-only reference and a reload replaces the pointer wholesale.
type Graph struct {
	Sources     []Source            `json:"sources"`
	Signals     []SignalDef         `json:"signals"`
	Hypotheses  []HypothesisDef     `json:"hypotheses"`
	KeywordSets map[string][]string `json:"keyword_sets"`
	Bindings    map[string]Binding  `json:"signal_bindings"`
}

// Source returns the source with the given name.
func (g *Graph) Source(name string) (Source, bool) {
	for _, s := range g.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}

// Signal returns the signal definition with the given name.
func (g *Graph) Signal(name string) (SignalDef, bool) {
	for _, s := range g.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDef{}, false
}

// Hypothesis returns the hypothesis definition with the given name.
func (g *Graph) Hypothesis(name string) (HypothesisDef, bool) {
	for _, h := range g.Hypotheses {
		if h.Name == name {
			return h, true
		}
	}
	return HypothesisDef{}, false
}

// AllowedHosts returns the SSRF whitelist derived from the configured sources:
// every source hostname plus its www.-stripped variant.
func (g *Graph) AllowedHosts() map[string]struct{} {
	hosts := make(map[string]struct{})
	for _, s := range g.Sources {
		u, err := url.Parse(s.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		h := u.Hostname()
		hosts[h] = struct{}{}
		if stripped, ok := strings.CutPrefix(h, "www."); ok {
			hosts[stripped] = struct{}{}
		}
	}
	return hosts
}

// Validate checks the graph for structural violations. It reports every
// violation it finds, not just the first.
func (g *Graph) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	sourceNames := make(map[string]struct{})
	for _, s := range g.Sources {
		if s.Name == "" {
			add("source missing name")
		} else {
			if _, dup := sourceNames[s.Name]; dup {
				add("duplicate source name: %s", s.Name)
			}
			sourceNames[s.Name] = struct{}{}
		}
		if s.URL == "" {
			add("source %q missing url", s.Name)
		}
		if s.Kind != "rss" && s.Kind != "atom" {
			add("source %q has invalid type: %s", s.Name, s.Kind)
		}
		if s.Timeout <= 0 {
			add("source %q has invalid timeout: %v", s.Name, s.Timeout)
		}
	}

	signalNames := make(map[string]struct{})
	for _, s := range g.Signals {
		if s.Name == "" {
			add("signal missing name")
		} else {
			if _, dup := signalNames[s.Name]; dup {
				add("duplicate signal name: %s", s.Name)
			}
			signalNames[s.Name] = struct{}{}
		}
		if s.Aggregation != "sum" && s.Aggregation != "max" {
			add("signal %q has invalid aggregation: %s", s.Name, s.Aggregation)
		}
		if s.Cap <= 0 {
			add("signal %q has invalid cap: %v", s.Name, s.Cap)
		}
	}

	hypNames := make(map[string]struct{})
	for _, h := range g.Hypotheses {
		if h.Name == "" {
			add("hypothesis missing name")
		} else {
			if _, dup := hypNames[h.Name]; dup {
				add("duplicate hypothesis name: %s", h.Name)
			}
			hypNames[h.Name] = struct{}{}
		}
		if h.Prior < 0 || h.Prior > 1 {
			add("hypothesis %q has invalid prior: %v", h.Name, h.Prior)
		}
		for _, sig := range h.Signals {
			if _, ok := signalNames[sig]; !ok {
				add("hypothesis %q references unknown signal: %s", h.Name, sig)
			}
		}
	}

	for sigName, b := range g.Bindings {
		if _, ok := signalNames[sigName]; !ok {
			add("signal binding for unknown signal: %s", sigName)
		}
		for _, src := range b.Sources {
			if _, ok := sourceNames[src]; !ok {
				add("signal binding %q references unknown source: %s", sigName, src)
			}
		}
		for _, ks := range b.KeywordSets {
			if _, ok := g.KeywordSets[ks]; !ok {
				add("signal binding %q references unknown keyword set: %s", sigName, ks)
			}
		}
		if b.WindowDays <= 0 {
			add("signal binding %q has invalid window_days: %d", sigName, b.WindowDays)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

// cachedGraph ties a parsed graph to the file state it was read from.
type cachedGraph struct {
	graph   *Graph
	modTime time.Time
	size    int64
}

// Loader loads graphs from disk with a TTL cache so repeated loads of an
// unchanged path are free. Safe for concurrent use.
type Loader struct {
	cache *lru.LRU[string, cachedGraph]
}

const (
	loaderCacheSize = 32
	loaderCacheTTL  = time.Hour
)

// NewLoader creates a Loader with the default cache policy.
func NewLoader() *Loader {
	return &Loader{
		cache: lru.NewLRU[string, cachedGraph](loaderCacheSize, nil, loaderCacheTTL),
	}
}

// Load reads, parses, and validates the graph at path. Results are cached by
// absolute path; an edited file (mtime or size change) bypasses the cache.
func (l *Loader) Load(path string) (*Graph, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if entry, ok := l.cache.Get(abs); ok {
		if entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
			return entry.graph, nil
		}
	}

	g, err := Load(abs)
	if err != nil {
		return nil, err
	}
	l.cache.Add(abs, cachedGraph{graph: g, modTime: info.ModTime(), size: info.Size()})
	return g, nil
}

// Load reads, parses, and validates the graph at path without caching.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
