// Package metrics provides the runtime's observability primitives: counters,
// gauges and reservoir-sampled histograms keyed by name plus tag map, with
// bounded memory per series.
package metrics

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Standard metric names emitted by the runtime. These are a stable contract
// for downstream consumers.
const (
	MetricInvocations       = "invocations.count"
	MetricInvocationLatency = "invocations.latency"
	MetricInvocationErrors  = "invocations.errors"
	MetricConnectionsActive = "connections.active"
	MetricConnectionsTotal  = "connections.total"
	MetricStateOps          = "state.operations.count"
	MetricStateOpLatency    = "state.operations.latency"
	MetricActorsActive      = "actors.active"
)

// Error reason tags attached to MetricInvocationErrors.
const (
	ReasonAuthentication = "authentication_error"
	ReasonAuthorization  = "authorization_error"
	ReasonRateLimit      = "rate_limit_exceeded"
	ReasonValidation     = "validation_error"
	ReasonHandler        = "handler_error"
	ReasonActorNotFound  = "actor_not_found"
)

// DefaultReservoirSize bounds the per-histogram sample count.
const DefaultReservoirSize = 1000

// Tags is a set of key/value labels attached to a metric series.
type Tags map[string]string

// seriesKey renders a stable identity for (name, tags) by joining the sorted
// tag pairs.
func seriesKey(name string, tags Tags) string {
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}

	return b.String()
}

// HistogramSnapshot is the exported view of one histogram series.
type HistogramSnapshot struct {
	Name  string
	Tags  Tags
	Count uint64
	Sum   float64
	Mean  float64
	Min   float64
	Max   float64
	P50   float64
	P95   float64
	P99   float64
}

// Snapshot is the exported view of every live series, produced by Flush.
type Snapshot struct {
	Counters   map[string]float64
	Gauges     map[string]float64
	Histograms []HistogramSnapshot
}

// histogram accumulates values with reservoir sampling (algorithm R), so
// memory stays bounded regardless of how many values are recorded.
type histogram struct {
	name string
	tags Tags

	count     uint64
	sum       float64
	min       float64
	max       float64
	reservoir []float64
	capacity  int
}

func (h *histogram) record(v float64, rng *rand.Rand) {
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.count++
	h.sum += v

	if len(h.reservoir) < h.capacity {
		h.reservoir = append(h.reservoir, v)
		return
	}

	// Replace a random element with probability capacity/count.
	if idx := rng.Int63n(int64(h.count)); idx < int64(h.capacity) {
		h.reservoir[idx] = v
	}
}

func (h *histogram) snapshot() HistogramSnapshot {
	snap := HistogramSnapshot{
		Name:  h.name,
		Tags:  h.tags,
		Count: h.count,
		Sum:   h.sum,
		Min:   h.min,
		Max:   h.max,
	}
	if h.count > 0 {
		snap.Mean = h.sum / float64(h.count)
	}

	if len(h.reservoir) > 0 {
		sorted := make([]float64, len(h.reservoir))
		copy(sorted, h.reservoir)
		sort.Float64s(sorted)

		snap.P50 = percentile(sorted, 0.50)
		snap.P95 = percentile(sorted, 0.95)
		snap.P99 = percentile(sorted, 0.99)
	}

	return snap
}

// percentile reads the p-quantile from an already sorted sample using
// nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}

	return sorted[rank]
}

// Collector aggregates all metric series. It is safe for concurrent use from
// any goroutine.
type Collector struct {
	mu sync.Mutex

	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram

	reservoirSize int
	rng           *rand.Rand
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithReservoirSize overrides the per-histogram sample bound.
func WithReservoirSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.reservoirSize = n
		}
	}
}

// NewCollector creates an empty Collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		counters:      make(map[string]float64),
		gauges:        make(map[string]float64),
		histograms:    make(map[string]*histogram),
		reservoirSize: DefaultReservoirSize,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// IncrementCounter adds delta to a monotonic counter. Negative deltas are
// ignored.
func (c *Collector) IncrementCounter(name string, delta float64, tags Tags) {
	if delta < 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[seriesKey(name, tags)] += delta
}

// RecordGauge sets a gauge to the given value.
func (c *Collector) RecordGauge(name string, value float64, tags Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gauges[seriesKey(name, tags)] = value
}

// AddGauge adjusts a gauge by delta, which may be negative.
func (c *Collector) AddGauge(name string, delta float64, tags Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gauges[seriesKey(name, tags)] += delta
}

// RecordHistogram records one observation into a histogram series.
func (c *Collector) RecordHistogram(name string, value float64, tags Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := seriesKey(name, tags)
	h, ok := c.histograms[key]
	if !ok {
		h = &histogram{
			name:     name,
			tags:     cloneTags(tags),
			capacity: c.reservoirSize,
		}
		c.histograms[key] = h
	}

	h.record(value, c.rng)
}

// RecordDuration records an elapsed time as milliseconds into a histogram
// series.
func (c *Collector) RecordDuration(name string, d time.Duration, tags Tags) {
	c.RecordHistogram(name, float64(d)/float64(time.Millisecond), tags)
}

// Flush returns a snapshot of every series. Counters and gauges persist
// across flushes; histogram reservoirs are reset so each flush covers one
// interval.
func (c *Collector) Flush() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counters: make(map[string]float64, len(c.counters)),
		Gauges:   make(map[string]float64, len(c.gauges)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}

	snap.Histograms = make([]HistogramSnapshot, 0, len(c.histograms))
	for _, h := range c.histograms {
		snap.Histograms = append(snap.Histograms, h.snapshot())
	}
	c.histograms = make(map[string]*histogram)

	sort.Slice(snap.Histograms, func(i, j int) bool {
		return snap.Histograms[i].Name < snap.Histograms[j].Name
	})

	return snap
}

func cloneTags(tags Tags) Tags {
	if tags == nil {
		return nil
	}

	out := make(Tags, len(tags))
	for k, v := range tags {
		out[k] = v
	}

	return out
}
