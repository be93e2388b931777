// Package metrics is a small in-process metrics registry rendered in the
// Prometheus text exposition format. Counters, gauges, and histograms are
// registered by name; label pairs are baked into the name so every label
// combination is its own series under a shared base name.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are histogram bucket bounds in seconds. The upper bounds
// are wide because ingestion runs and streamed answers take minutes.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Counter only ever goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge moves in both directions.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram records observations into fixed buckets. Bucket counts are
// stored per bucket and made cumulative only when rendered.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	hits   []uint64
	sum    float64
	total  uint64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.total++
	for i, bound := range h.bounds {
		if v <= bound {
			h.hits[i]++
			return
		}
	}
}

// Since observes the seconds elapsed from t.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

func (h *Histogram) snapshot() ([]float64, []uint64, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hits := make([]uint64, len(h.hits))
	copy(hits, h.hits)
	return h.bounds, hits, h.sum, h.total
}

type kind uint8

const (
	kindCounter kind = iota
	kindGauge
	kindHistogram
)

func (k kind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	default:
		return "histogram"
	}
}

// family groups every labeled series that shares a base name, so the
// rendered output carries one HELP/TYPE pair per base name.
type family struct {
	kind   kind
	help   string
	series []string
}

// Registry holds named metrics and renders them on demand.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	families   map[string]*family
	order      []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		families:   make(map[string]*family),
	}
}

// register files a series name under its base-name family, creating the
// family on first sight. Caller holds the write lock.
func (r *Registry) register(name string, k kind, help string) {
	base := baseName(name)
	fam, ok := r.families[base]
	if !ok {
		fam = &family{kind: k, help: help}
		r.families[base] = fam
		r.order = append(r.order, base)
	}
	if help != "" && fam.help == "" {
		fam.help = help
	}
	fam.series = append(fam.series, name)
	sort.Strings(fam.series)
}

// Counter returns the counter registered under name, creating it on first
// use. Use WithLabels to derive per-label series names.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	r.register(name, kindCounter, help)
	return c
}

// Gauge returns the gauge registered under name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	r.register(name, kindGauge, help)
	return g
}

// Histogram returns the histogram registered under name, creating it with
// the given bucket bounds (DefaultBuckets when nil) on first use.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	bounds := make([]float64, len(buckets))
	copy(bounds, buckets)
	sort.Float64s(bounds)
	h := &Histogram{bounds: bounds, hits: make([]uint64, len(bounds))}
	r.histograms[name] = h
	r.register(name, kindHistogram, help)
	return h
}

// WithLabels appends label pairs to a metric name:
// WithLabels("foo", "k", "v") yields `foo{k="v"}`. An odd pair count
// returns the name unchanged.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[:i]
	}
	return name
}

// labelSuffix splits `foo{k="v"}` into its `{k="v"}` part, empty when the
// name carries no labels.
func labelSuffix(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[i:]
	}
	return ""
}

// joinLabels merges an extra label like `le="5"` into an existing suffix.
func joinLabels(suffix, extra string) string {
	if suffix == "" {
		return "{" + extra + "}"
	}
	return suffix[:len(suffix)-1] + "," + extra + "}"
}

// Render produces the text exposition body in registration order.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		fam := r.families[base]
		if fam.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, fam.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, fam.kind)

		for _, name := range fam.series {
			switch fam.kind {
			case kindCounter:
				fmt.Fprintf(&b, "%s %d\n", name, r.counters[name].Value())
			case kindGauge:
				fmt.Fprintf(&b, "%s %d\n", name, r.gauges[name].Value())
			case kindHistogram:
				bounds, hits, sum, total := r.histograms[name].snapshot()
				suffix := labelSuffix(name)
				var cum uint64
				for i, bound := range bounds {
					cum += hits[i]
					fmt.Fprintf(&b, "%s_bucket%s %d\n", base, joinLabels(suffix, fmt.Sprintf("le=%q", fmt.Sprintf("%g", bound))), cum)
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", base, joinLabels(suffix, `le="+Inf"`), total)
				fmt.Fprintf(&b, "%s_sum%s %g\n", base, suffix, sum)
				fmt.Fprintf(&b, "%s_count%s %d\n", base, suffix, total)
			}
		}
	}
	return b.String()
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve blocks serving /metrics on the given port.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync serves /metrics from a goroutine, logging if the server stops.
func (r *Registry) ServeAsync(port int, log *slog.Logger) {
	go func() {
		if err := r.Serve(port); err != nil {
			log.Error("metrics server failed", "port", port, "error", err)
		}
	}()
}
