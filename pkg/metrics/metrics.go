// Prometheus-style metric primitives
//
// Counters, gauges and histograms keyed by label sets, written in the
// Prometheus text exposition format.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key generates a unique key for a label set
func (l Labels) Key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=\"%s\"", k, escapeLabel(l[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// with returns a copy of l with one extra label.
func (l Labels) with(key, value string) Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[key] = value
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family holds the series of one metric name in label-key order.
type family struct {
	name string
	help string

	mu     sync.RWMutex
	series map[string]interface{}
	keys   []string
}

func (f *family) Name() string { return f.name }
func (f *family) Help() string { return f.help }

// load returns the series for labels, creating it with mk.
func (f *family) load(labels Labels, mk func() interface{}) interface{} {
	key := labels.Key()
	f.mu.RLock()
	s, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return s
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[key]; ok {
		return s
	}
	if f.series == nil {
		f.series = make(map[string]interface{})
	}
	s = mk()
	f.series[key] = s
	f.keys = append(f.keys, key)
	sort.Strings(f.keys)
	return s
}

func (f *family) peek(labels Labels) (interface{}, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.series[labels.Key()]
	return s, ok
}

func (f *family) each(fn func(s interface{})) {
	f.mu.RLock()
	list := make([]interface{}, 0, len(f.keys))
	for _, k := range f.keys {
		list = append(list, f.series[k])
	}
	f.mu.RUnlock()
	for _, s := range list {
		fn(s)
	}
}

func (f *family) header(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, t)
}

// Counter is a monotonically increasing metric
type Counter struct {
	family
}

type counterSeries struct {
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{family{name: name, help: help}}
}

func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) get(labels Labels) *counterSeries {
	return c.load(labels, func() interface{} { return &counterSeries{labels: labels} }).(*counterSeries)
}

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.get(labels).value.Add(1)
}

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	c.get(labels).value.Add(delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	if s, ok := c.peek(labels); ok {
		return s.(*counterSeries).value.Load()
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	c.header(sb, TypeCounter)
	c.each(func(s interface{}) {
		cs := s.(*counterSeries)
		fmt.Fprintf(sb, "%s%s %d\n", c.name, cs.labels, cs.value.Load())
	})
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family
}

type gaugeSeries struct {
	labels Labels
	bits   atomic.Uint64
}

func (g *gaugeSeries) add(delta float64) {
	for {
		old := g.bits.Load()
		if g.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{family{name: name, help: help}}
}

func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) get(labels Labels) *gaugeSeries {
	return g.load(labels, func() interface{} { return &gaugeSeries{labels: labels} }).(*gaugeSeries)
}

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	g.get(labels).bits.Store(math.Float64bits(value))
}

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(labels Labels, v bool) {
	if v {
		g.Set(labels, 1)
	} else {
		g.Set(labels, 0)
	}
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	g.get(labels).add(delta)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }

// Dec decrements the gauge by 1
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	if s, ok := g.peek(labels); ok {
		return math.Float64frombits(s.(*gaugeSeries).bits.Load())
	}
	return 0
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.header(sb, TypeGauge)
	g.each(func(s interface{}) {
		gs := s.(*gaugeSeries)
		fmt.Fprintf(sb, "%s%s %s\n", g.name, gs.labels, formatFloat(math.Float64frombits(gs.bits.Load())))
	})
}

// Histogram tracks the distribution of observations
type Histogram struct {
	family
	buckets []float64
}

type histogramSeries struct {
	labels Labels

	mu     sync.Mutex
	count  uint64
	sum    float64
	counts []uint64 // per bucket, not cumulative
}

// NewHistogram creates a new histogram metric with the given upper bounds
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{family: family{name: name, help: help}, buckets: sorted}
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// ExponentialBuckets creates count buckets starting at start with factor multiplier
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records a value in the histogram
func (h *Histogram) Observe(labels Labels, value float64) {
	hs := h.load(labels, func() interface{} {
		return &histogramSeries{labels: labels, counts: make([]uint64, len(h.buckets))}
	}).(*histogramSeries)

	i := sort.SearchFloat64s(h.buckets, value)
	hs.mu.Lock()
	hs.count++
	hs.sum += value
	if i < len(hs.counts) {
		hs.counts[i]++
	}
	hs.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(labels Labels, d time.Duration) {
	h.Observe(labels, d.Seconds())
}

// HistogramSnapshot is a point-in-time copy of one series.
type HistogramSnapshot struct {
	Count      uint64
	Sum        float64
	Cumulative []uint64 // per bucket, cumulative
}

// GetSnapshot returns a snapshot of the series for labels.
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Cumulative: make([]uint64, len(h.buckets))}
	s, ok := h.peek(labels)
	if !ok {
		return snap
	}
	return s.(*histogramSeries).snapshot()
}

func (hs *histogramSeries) snapshot() HistogramSnapshot {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	snap := HistogramSnapshot{Count: hs.count, Sum: hs.sum, Cumulative: make([]uint64, len(hs.counts))}
	var acc uint64
	for i, n := range hs.counts {
		acc += n
		snap.Cumulative[i] = acc
	}
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.header(sb, TypeHistogram)
	h.each(func(s interface{}) {
		hs := s.(*histogramSeries)
		snap := hs.snapshot()
		for i, bound := range h.buckets {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, hs.labels.with("le", formatFloat(bound)), snap.Cumulative[i])
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, hs.labels.with("le", "+Inf"), snap.Count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, hs.labels, formatFloat(snap.Sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, hs.labels, snap.Count)
	})
}

// Registry holds metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather collects all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
