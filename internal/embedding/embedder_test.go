package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// hashProvider returns deterministic vectors derived from the text.
type hashProvider struct {
	dim      int
	maxBatch int
	mu       sync.Mutex
	batches  [][]string
	failWith error
}

func (p *hashProvider) ModelName() string { return "hash" }
func (p *hashProvider) MaxBatch() int     { return p.maxBatch }

func (p *hashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batches = append(p.batches, texts)
	p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, p.dim)
	}
	return out, nil
}

func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		h := fnv.New32a()
		h.Write([]byte{byte(i)})
		h.Write([]byte(text))
		v[i] = float32(h.Sum32()%1000) / 1000
	}
	return v
}

func TestEmbed_PreservesOrderAcrossSubBatches(t *testing.T) {
	p := &hashProvider{dim: 8, maxBatch: 3}
	e := New(Config{Provider: p, Concurrency: 3, Logger: testLogger()})

	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, hashVector(text, 8), vecs[i], "text %d", i)
	}

	assert.Len(t, p.batches, 4)
	for _, b := range p.batches {
		assert.LessOrEqual(t, len(b), 3)
	}
}

func TestEmbed_Deterministic(t *testing.T) {
	e := New(Config{Provider: &hashProvider{dim: 16, maxBatch: 10}, Logger: testLogger()})

	first, err := e.EmbedOne(context.Background(), "same text")
	require.NoError(t, err)
	second, err := e.EmbedOne(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEmbed_EmptyInput(t *testing.T) {
	e := New(Config{Provider: &hashProvider{dim: 4}, Logger: testLogger()})
	vecs, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbed_TransientFailureIsUnavailable(t *testing.T) {
	p := &hashProvider{dim: 4, failWith: errors.New("dial tcp: connection refused")}
	e := New(Config{Provider: p, Logger: testLogger()})

	_, err := e.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
}

func TestDimension_ProbesOnce(t *testing.T) {
	p := &hashProvider{dim: 384, maxBatch: 10}
	e := New(Config{Provider: p, Logger: testLogger()})

	for range 3 {
		dim, err := e.Dimension(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 384, dim)
	}
	require.Len(t, p.batches, 1)
	assert.Equal(t, []string{Canary}, p.batches[0])
}

// gatedProvider blocks every call until release is closed.
type gatedProvider struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *gatedProvider) ModelName() string { return "gated" }
func (p *gatedProvider) MaxBatch() int     { return 0 }

func (p *gatedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func TestDimension_CallerDeadlineDoesNotWaitForProbe(t *testing.T) {
	p := &gatedProvider{release: make(chan struct{})}
	e := New(Config{Provider: p, Logger: testLogger()})

	patient := make(chan int, 1)
	go func() {
		dim, err := e.Dimension(context.Background())
		assert.NoError(t, err)
		patient <- dim
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := e.Dimension(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The shared canary call is unaffected by the impatient caller.
	close(p.release)
	select {
	case dim := <-patient:
		assert.Equal(t, 3, dim)
	case <-time.After(5 * time.Second):
		t.Fatal("canary call never finished")
	}
	assert.Equal(t, int32(1), p.calls.Load())

	dim, err := e.Dimension(ctx)
	require.NoError(t, err, "cached dimension is served even after ctx expired")
	assert.Equal(t, 3, dim)
}

// holeyProvider leaves one vector out of every batch.
type holeyProvider struct{}

func (holeyProvider) ModelName() string { return "holey" }
func (holeyProvider) MaxBatch() int     { return 0 }

func (holeyProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := 1; i < len(out); i++ {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestEmbed_MissingVectorIsUnavailable(t *testing.T) {
	e := New(Config{Provider: holeyProvider{}, Logger: testLogger()})
	_, err := e.Embed(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.NotErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestOpenAI_MissingIndexIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Two inputs, only index 1 answered.
		w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",` +
			`"data":[{"object":"embedding","index":1,"embedding":[0.5,0.25]}],` +
			`"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL})
	_, err := o.Embed(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)

	e := New(Config{Provider: o, Logger: testLogger()})
	_, err = e.Embed(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.NotErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestOpenAI_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",` +
			`"data":[{"object":"embedding","index":1,"embedding":[0,1]},{"object":"embedding","index":0,"embedding":[1,0]}],` +
			`"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL})
	vecs, err := o.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestOllama_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		resp := ollamaEmbedResponse{}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	vecs, err := o.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, vecs)
}

func TestOllama_ServerDownIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	o.retrier.MaxRetries = 1
	o.retrier.BaseBackoff = 0
	e := New(Config{Provider: o, Logger: testLogger()})

	_, err := e.Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOllama_BadRequestIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	e := New(Config{Provider: NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()}), Logger: testLogger()})
	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrEmbeddingUnavailable)
}
