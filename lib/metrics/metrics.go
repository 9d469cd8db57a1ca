// Package metrics keeps dbpool's counters, gauges and latency histograms
// and renders them in the Prometheus text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLatencyBuckets are histogram upper bounds, in seconds, suited to
// connection acquisition and session dial latencies.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

// desc is the identity shared by every metric kind.
type desc struct {
	name string
	help string
	kind string
}

func (d desc) metricName() string { return d.name }

func (d desc) writeHeader(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// metric is implemented by every registered metric.
type metric interface {
	metricName() string
	writeTo(w io.Writer)
}

// Counter only goes up.
type Counter struct {
	desc
	v atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) writeTo(w io.Writer) {
	c.writeHeader(w)
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge holds a value that is set outright.
type Gauge struct {
	desc
	v atomic.Int64
}

// Set replaces the gauge's value.
func (g *Gauge) Set(v int64) { g.v.Store(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) writeTo(w io.Writer) {
	g.writeHeader(w)
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// Histogram counts observations into fixed buckets.
type Histogram struct {
	desc
	bounds []float64

	mu    sync.Mutex
	hits  []uint64 // hits[i] counts values in (bounds[i-1], bounds[i]]; the last slot is +Inf
	sum   float64
	total uint64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)

	h.mu.Lock()
	h.hits[i]++
	h.sum += v
	h.total++
	h.mu.Unlock()
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *Histogram) writeTo(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.writeHeader(w)
	var cumulative uint64
	for i, le := range h.bounds {
		cumulative += h.hits[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, le, cumulative)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.total)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.total)
}

// Registry is a named set of metrics. Registering a name twice replaces
// the earlier metric.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]metric)}
}

var defaultRegistry = NewRegistry()

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.metricName()] = m
}

// NewCounter registers a counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help, "counter"}}
	r.register(c)
	return c
}

// NewGauge registers a gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help, "gauge"}}
	r.register(g)
	return g
}

// NewHistogram registers a histogram with the given bucket upper bounds.
func (r *Registry) NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{
		desc:   desc{name, help, "histogram"},
		bounds: bounds,
		hits:   make([]uint64, len(bounds)+1),
	}
	r.register(h)
	return h
}

// Names returns the registered metric names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteTo writes every metric, sorted by name, in exposition format.
func (r *Registry) WriteTo(w io.Writer) {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if m, ok := r.metrics[name]; ok {
			m.writeTo(w)
			io.WriteString(w, "\n")
		}
	}
}

// Expose returns the registry in exposition format.
func (r *Registry) Expose() string {
	var buf bytes.Buffer
	r.WriteTo(&buf)
	return buf.String()
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	})
}

// NewCounter registers a counter with the default registry.
func NewCounter(name, help string) *Counter { return defaultRegistry.NewCounter(name, help) }

// NewGauge registers a gauge with the default registry.
func NewGauge(name, help string) *Gauge { return defaultRegistry.NewGauge(name, help) }

// NewHistogram registers a histogram with the default registry.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return defaultRegistry.NewHistogram(name, help, buckets)
}

// Expose renders the default registry.
func Expose() string { return defaultRegistry.Expose() }

// Handler serves the default registry; cmd/dbpool mounts it at /metrics.
func Handler() http.Handler { return defaultRegistry.Handler() }

// Process-wide metrics
var (
	StartTime = NewGauge("dbpool_start_time_seconds", "Unix timestamp when the process started")

	SessionsOpened      = NewCounter("dbpool_sessions_opened_total", "Total database sessions opened")
	SessionsClosed      = NewCounter("dbpool_sessions_closed_total", "Total database sessions closed")
	SessionDialFailures = NewCounter("dbpool_session_dial_failures_total", "Total failed attempts to open a database session")
	SessionDialLatency  = NewHistogram(
		"dbpool_session_dial_duration_seconds",
		"Time spent opening and pinging a database session",
		DefaultLatencyBuckets,
	)
)

// RecordStartTime stamps StartTime with the current time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
