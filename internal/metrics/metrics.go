// Package metrics provides the thread-safe counters and timers the pipeline
// reports into, plus the health verdict derived from them.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Stats summarizes a timer series.
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
}

// Summary is a point-in-time snapshot of all counters and timers.
type Summary struct {
	Counters map[string]int64 `json:"counters"`
	Timers   map[string]Stats `json:"timers"`
}

// Collector accumulates counters and timing series. All methods are safe for
// concurrent use. When constructed with a real OTel meter, increments and
// timings are mirrored to OTLP instruments; the in-process snapshot is always
// maintained because the health verdict reads from it.
type Collector struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string][]float64 // seconds

	meter         otelmetric.Meter
	otelCounters  map[string]otelmetric.Int64Counter
	otelHistogram map[string]otelmetric.Float64Histogram
}

// New creates a Collector without OTel mirroring.
func New() *Collector {
	return NewWithMeter(noop.NewMeterProvider().Meter("worldpam"))
}

// NewWithMeter creates a Collector that mirrors to the given meter.
func NewWithMeter(meter otelmetric.Meter) *Collector {
	return &Collector{
		counters:      make(map[string]int64),
		timers:        make(map[string][]float64),
		meter:         meter,
		otelCounters:  make(map[string]otelmetric.Int64Counter),
		otelHistogram: make(map[string]otelmetric.Float64Histogram),
	}
}

// Increment adds one to the named counter.
func (c *Collector) Increment(name string, tags map[string]string) {
	c.IncrementBy(name, 1, tags)
}

// IncrementBy adds n to the named counter.
func (c *Collector) IncrementBy(name string, n int64, tags map[string]string) {
	c.mu.Lock()
	c.counters[name] += n
	ctr, ok := c.otelCounters[name]
	if !ok {
		ctr, _ = c.meter.Int64Counter("pam." + name)
		c.otelCounters[name] = ctr
	}
	c.mu.Unlock()

	if ctr != nil {
		ctr.Add(context.Background(), n, otelmetric.WithAttributes(attrs(tags)...))
	}
}

// maxTimerSamples bounds each timer's retained window; older observations
// roll off. Full-fidelity series go to the OTel histogram.
const maxTimerSamples = 1000

// Record appends one observation to the named timer.
func (c *Collector) Record(name string, d time.Duration, tags map[string]string) {
	secs := d.Seconds()

	c.mu.Lock()
	samples := append(c.timers[name], secs)
	if len(samples) > maxTimerSamples {
		samples = samples[len(samples)-maxTimerSamples:]
	}
	c.timers[name] = samples
	hist, ok := c.otelHistogram[name]
	if !ok {
		hist, _ = c.meter.Float64Histogram("pam."+name, otelmetric.WithUnit("s"))
		c.otelHistogram[name] = hist
	}
	c.mu.Unlock()

	if hist != nil {
		hist.Record(context.Background(), secs, otelmetric.WithAttributes(attrs(tags)...))
	}
}

// StartTimer returns a release function that records the elapsed time under
// name when called. Intended for defer.
func (c *Collector) StartTimer(name string, tags map[string]string) func() {
	start := time.Now()
	return func() {
		c.Record(name, time.Since(start), tags)
	}
}

// Counter returns the current value of the named counter.
func (c *Collector) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// TimerStats returns statistics for the named timer, or false if empty.
func (c *Collector) TimerStats(name string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return statsLocked(c.timers[name])
}

// Summary snapshots all counters and timer statistics.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Counters: make(map[string]int64, len(c.counters)),
		Timers:   make(map[string]Stats, len(c.timers)),
	}
	for name, v := range c.counters {
		s.Counters[name] = v
	}
	for name, series := range c.timers {
		if st, ok := statsLocked(series); ok {
			s.Timers[name] = st
		}
	}
	return s
}

// Reset clears all counters and timers.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]int64)
	c.timers = make(map[string][]float64)
}

func statsLocked(series []float64) (Stats, bool) {
	if len(series) == 0 {
		return Stats{}, false
	}
	st := Stats{Count: len(series), Min: series[0], Max: series[0]}
	for _, v := range series {
		st.Sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	st.Mean = st.Sum / float64(st.Count)
	return st, true
}

func attrs(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
