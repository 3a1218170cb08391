// Package metrics renders ragchat's counters, gauges and histograms in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

type kind int

const (
	counterKind kind = iota
	gaugeKind
	histogramKind
)

func (k kind) String() string {
	switch k {
	case gaugeKind:
		return "gauge"
	case histogramKind:
		return "histogram"
	default:
		return "counter"
	}
}

// Registry holds metric families in registration order.
type Registry struct {
	mu        sync.Mutex
	families  []*family
	byName    map[string]*family
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*family), startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// family is one metric name with its label names and series.
type family struct {
	name       string
	help       string
	kind       kind
	labelNames []string
	buckets    []float64

	mu     sync.Mutex
	series map[string]any // rendered label set -> *Counter | *Gauge | *Histogram
}

// register returns the family called name, creating it on first use.
// Re-registering a name with a different kind or label set panics.
func (r *Registry) register(name, help string, k kind, buckets []float64, labelNames []string) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.byName[name]; ok {
		if f.kind != k || strings.Join(f.labelNames, ",") != strings.Join(labelNames, ",") {
			panic(fmt.Sprintf("metrics: %s re-registered with a different shape", name))
		}
		return f
	}
	f := &family{
		name:       name,
		help:       help,
		kind:       k,
		labelNames: labelNames,
		buckets:    buckets,
		series:     make(map[string]any),
	}
	r.families = append(r.families, f)
	r.byName[name] = f
	return f
}

// get returns the series for the given label values.
func (f *family) get(values []string) any {
	if len(values) != len(f.labelNames) {
		panic(fmt.Sprintf("metrics: %s wants %d label values, got %d", f.name, len(f.labelNames), len(values)))
	}
	key := labelString(f.labelNames, values)
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[key]; ok {
		return s
	}
	var s any
	switch f.kind {
	case counterKind:
		s = &Counter{}
	case gaugeKind:
		s = &Gauge{}
	case histogramKind:
		s = &Histogram{bounds: f.buckets, counts: make([]int64, len(f.buckets))}
	}
	f.series[key] = s
	return s
}

// labelString renders name="value" pairs with Prometheus escaping.
func labelString(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	pairs := make([]string, len(names))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	for i, n := range names {
		pairs[i] = n + `="` + esc.Replace(values[i]) + `"`
	}
	return strings.Join(pairs, ",")
}

// Counter only goes up.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge tracks a level, such as open streams.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// CounterVec is a counter family partitioned by labels.
type CounterVec struct{ f *family }

// With returns the counter for the label values, in declaration order.
func (v *CounterVec) With(values ...string) *Counter { return v.f.get(values).(*Counter) }

func (r *Registry) Counter(name, help string) *Counter {
	return r.register(name, help, counterKind, nil, nil).get(nil).(*Counter)
}

func (r *Registry) CounterVec(name, help string, labelNames ...string) *CounterVec {
	return &CounterVec{f: r.register(name, help, counterKind, nil, labelNames)}
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.register(name, help, gaugeKind, nil, nil).get(nil).(*Gauge)
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return r.register(name, help, histogramKind, b, nil).get(nil).(*Histogram)
}

// Handler serves the text exposition. Families appear in registration
// order and series within a family sorted by label set.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo renders every family to w.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP ragchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE ragchat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "ragchat_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.Lock()
	families := append([]*family(nil), r.families...)
	r.mu.Unlock()
	for _, f := range families {
		f.write(&sb)
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (f *family) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", f.name, f.kind)

	f.mu.Lock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	series := make([]any, len(keys))
	for i, k := range keys {
		series[i] = f.series[k]
	}
	f.mu.Unlock()

	for i, s := range series {
		labels := keys[i]
		switch m := s.(type) {
		case *Counter:
			fmt.Fprintf(sb, "%s%s %d\n", f.name, braces(labels), m.Value())
		case *Gauge:
			fmt.Fprintf(sb, "%s%s %d\n", f.name, braces(labels), m.Value())
		case *Histogram:
			m.write(sb, f.name, labels)
		}
	}
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	for i, le := range h.bounds {
		bound := fmt.Sprintf("%g", le)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(sb, "%s_bucket{%sle=%q} %d\n", name, prefix, bound, h.counts[i])
	}
	if n := len(h.bounds); n == 0 || !math.IsInf(h.bounds[n-1], 1) {
		fmt.Fprintf(sb, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	}
	fmt.Fprintf(sb, "%s_count%s %d\n", name, braces(labels), h.count)
	fmt.Fprintf(sb, "%s_sum%s %g\n", name, braces(labels), h.sum)
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// Since returns the seconds elapsed since start, for histogram observations.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}

var (
	// ChatRequests is partitioned by mode: "context" when retrieval was
	// requested, "plain" otherwise.
	ChatRequests = Collector.CounterVec("ragchat_chat_requests_total", "Chat requests accepted", "mode")
	// ChatErrors is partitioned by stage: retrieve, open or generate.
	ChatErrors     = Collector.CounterVec("ragchat_chat_errors_total", "Chat turns that ended in an error", "stage")
	IngestRequests = Collector.CounterVec("ragchat_ingest_requests_total", "Ingestion requests by content type", "type")
	ChunksIndexed  = Collector.Counter("ragchat_chunks_indexed_total", "Chunks embedded and stored")
	EmbeddingCalls = Collector.CounterVec("ragchat_embedding_calls_total", "Embedding provider calls", "model")
	// EmbeddingErrors is partitioned by model and by whether the failure was
	// transient ("unavailable") or not ("rejected").
	EmbeddingErrors = Collector.CounterVec("ragchat_embedding_errors_total", "Failed embedding provider calls", "model", "reason")
	SummariesTotal  = Collector.Counter("ragchat_summaries_total", "History summaries produced")
	StreamFrames    = Collector.CounterVec("ragchat_stream_frames_total", "Stream frames written", "type")
	ActiveStreams   = Collector.Gauge("ragchat_active_streams", "Streams currently open")

	LLMLatency = Collector.Histogram("ragchat_llm_first_token_seconds", "Time to first LLM increment in seconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
	EmbeddingLatency = Collector.Histogram("ragchat_embedding_latency_seconds", "Embedding call latency in seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10})
	RetrievalLatency = Collector.Histogram("ragchat_retrieval_latency_seconds", "Retrieval latency in seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5})
)
