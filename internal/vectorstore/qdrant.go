package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
)

const qdrantUpsertBatch = 256

// Qdrant is a REST client for a Qdrant server. Collections use cosine distance.
type Qdrant struct {
	url     string
	apiKey  string
	retrier *httpx.Retrier
}

type QdrantConfig struct {
	URL    string
	APIKey string
	Client *http.Client
	Logger *slog.Logger
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:6333"
	}
	return &Qdrant{
		url:     strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		retrier: httpx.NewRetrier(cfg.Client, cfg.Logger),
	}
}

type qdrantPayload struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

func (q *Qdrant) collectionURL(name string) string {
	return q.url + "/collections/" + url.PathEscape(name)
}

func (q *Qdrant) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	return q.retrier.Do(ctx, func() (*http.Request, error) {
		var r io.Reader
		if data != nil {
			r = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, r)
		if err != nil {
			return nil, err
		}
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if q.apiKey != "" {
			req.Header.Set("api-key", q.apiKey)
		}
		return req, nil
	})
}

func (q *Qdrant) Describe(ctx context.Context, name string) (domain.Collection, error) {
	resp, err := q.do(ctx, http.MethodGet, q.collectionURL(name), nil)
	if err != nil {
		return domain.Collection{}, unavailable(ctx, "qdrant describe", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return domain.Collection{}, domain.ErrCollectionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Collection{}, fmt.Errorf("qdrant describe: %w", httpx.ReadError(resp))
	}
	defer resp.Body.Close()

	var out struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Collection{}, fmt.Errorf("qdrant describe: decode: %w", err)
	}
	return domain.Collection{Name: name, Dimension: out.Result.Config.Params.Vectors.Size}, nil
}

func (q *Qdrant) CreateCollection(ctx context.Context, c domain.Collection) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     c.Dimension,
			"distance": "Cosine",
		},
	}
	resp, err := q.do(ctx, http.MethodPut, q.collectionURL(c.Name), body)
	if err != nil {
		return unavailable(ctx, "qdrant create collection", err)
	}
	if resp.StatusCode == http.StatusOK {
		resp.Body.Close()
		return nil
	}
	err = httpx.ReadError(resp)
	var se *httpx.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusConflict || strings.Contains(se.Body, "already exists")) {
		return domain.ErrCollectionExists
	}
	return fmt.Errorf("qdrant create collection: %w", err)
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, chunks []domain.EmbeddedChunk) error {
	for start := 0; start < len(chunks); start += qdrantUpsertBatch {
		batch := chunks[start:min(start+qdrantUpsertBatch, len(chunks))]
		points := make([]qdrantPoint, len(batch))
		for i, ch := range batch {
			points[i] = qdrantPoint{
				ID:     PointID(ch.Chunk),
				Vector: ch.Vector,
				Payload: qdrantPayload{
					DocumentID: ch.DocumentID,
					Text:       ch.Text,
					Ordinal:    ch.Ordinal,
					Start:      ch.Start,
					End:        ch.End,
				},
			}
		}
		resp, err := q.do(ctx, http.MethodPut, q.collectionURL(collection)+"/points?wait=true", map[string]any{"points": points})
		if err != nil {
			return unavailable(ctx, "qdrant upsert", err)
		}
		if resp.StatusCode != http.StatusOK {
			return q.mapError("qdrant upsert", httpx.ReadError(resp))
		}
		resp.Body.Close()
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	resp, err := q.do(ctx, http.MethodPost, q.collectionURL(collection)+"/points/search", body)
	if err != nil {
		return nil, unavailable(ctx, "qdrant search", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, q.mapError("qdrant search", httpx.ReadError(resp))
	}
	defer resp.Body.Close()

	var out struct {
		Result []struct {
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("qdrant search: decode: %w", err)
	}
	hits := make([]domain.ScoredChunk, 0, len(out.Result))
	for _, r := range out.Result {
		hits = append(hits, domain.ScoredChunk{
			Chunk: domain.Chunk{
				DocumentID: r.Payload.DocumentID,
				Text:       r.Payload.Text,
				Ordinal:    r.Payload.Ordinal,
				Start:      r.Payload.Start,
				End:        r.Payload.End,
			},
			Score: r.Score,
		})
	}
	return Rank(hits, topK), nil
}

// mapError translates Qdrant's validation errors into domain errors.
func (q *Qdrant) mapError(op string, err error) error {
	var se *httpx.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusNotFound:
			return domain.ErrCollectionNotFound
		case strings.Contains(strings.ToLower(se.Body), "dimension"):
			return fmt.Errorf("%s: %w: %s", op, domain.ErrDimensionMismatch, se.Body)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// DeleteCollection drops a collection. Missing collections are not an error.
func (q *Qdrant) DeleteCollection(ctx context.Context, name string) error {
	resp, err := q.do(ctx, http.MethodDelete, q.collectionURL(name), nil)
	if err != nil {
		return unavailable(ctx, "qdrant delete collection", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("qdrant delete collection: %w", httpx.ReadError(resp))
	}
	resp.Body.Close()
	return nil
}

func (q *Qdrant) Close() error {
	q.retrier.Client.CloseIdleConnections()
	return nil
}

var _ domain.VectorStore = (*Qdrant)(nil)
