package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_RendersAllKinds(t *testing.T) {
	r := NewRegistry()
	r.Counter("test_total", "a counter").Add(3)
	g := r.Gauge("test_open", "a gauge")
	g.Inc()
	g.Inc()
	g.Dec()
	h := r.Histogram("test_seconds", "a histogram", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(3)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, body, "ragchat_uptime_seconds")
	assert.Contains(t, body, "# TYPE test_total counter\ntest_total 3\n")
	assert.Contains(t, body, "# TYPE test_open gauge\ntest_open 1\n")
	assert.Contains(t, body, `test_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, body, `test_seconds_bucket{le="1"} 2`)
	assert.Contains(t, body, `test_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, body, "test_seconds_count 3")
}

func TestCounterVec_SeriesPerLabelSet(t *testing.T) {
	r := NewRegistry()
	v := r.CounterVec("chats_total", "chats", "mode")
	v.With("plain").Inc()
	v.With("context").Add(2)
	v.With("plain").Inc()

	assert.Equal(t, int64(2), v.With("plain").Value())
	assert.Equal(t, int64(2), v.With("context").Value())

	var sb strings.Builder
	_, err := r.WriteTo(&sb)
	require.NoError(t, err)
	body := sb.String()
	ctx := strings.Index(body, `chats_total{mode="context"} 2`)
	plain := strings.Index(body, `chats_total{mode="plain"} 2`)
	require.NotEqual(t, -1, ctx)
	require.NotEqual(t, -1, plain)
	assert.Less(t, ctx, plain, "series are sorted by label set")
}

func TestCounterVec_EscapesLabelValues(t *testing.T) {
	r := NewRegistry()
	r.CounterVec("calls_total", "calls", "model", "reason").With(`nomic "v1"`, "unavailable").Inc()

	var sb strings.Builder
	_, err := r.WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), `calls_total{model="nomic \"v1\"",reason="unavailable"} 1`)
}

func TestCounterVec_WrongLabelCountPanics(t *testing.T) {
	r := NewRegistry()
	v := r.CounterVec("calls_total", "calls", "model", "reason")
	assert.Panics(t, func() { v.With("only-one") })
}

func TestRegister_SameNameReturnsSameSeries(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "x")
	b := r.Counter("x_total", "x")
	a.Inc()
	assert.Equal(t, int64(1), b.Value())

	assert.Panics(t, func() { r.Gauge("x_total", "x") }, "a name keeps its kind")
	assert.Panics(t, func() { r.CounterVec("x_total", "x", "mode") }, "a name keeps its labels")
}

func TestHandler_EmptyFamilyStillDescribed(t *testing.T) {
	r := NewRegistry()
	r.CounterVec("idle_total", "never touched", "stage")

	var sb strings.Builder
	_, err := r.WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "# HELP idle_total never touched\n# TYPE idle_total counter\n")
}
