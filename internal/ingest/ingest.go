// Package ingest turns uploaded text, CSV and PDF content into indexed
// chunks.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"ragchat/internal/domain"
	"ragchat/internal/index"
	"ragchat/internal/metrics"
)

const (
	TypeText = "text/plain"
	TypeCSV  = "text/csv"
	TypePDF  = "application/pdf"
)

// Request is the body of an ingestion call. When several content fields are
// set, csv wins over text, and text over pdf.
type Request struct {
	Datasource string `json:"datasource,omitempty"`
	FileName   string `json:"fileName"`
	Text       string `json:"text,omitempty"`
	// PDF is base64 encoded.
	PDF string `json:"pdf,omitempty"`
	CSV string `json:"csv,omitempty"`
}

type Result struct {
	Content    string             `json:"content"`
	Embeddings []domain.Embedding `json:"embeddings"`
	URL        string             `json:"url"`
	Size       int                `json:"size"`
	Type       string             `json:"type"`
}

// Extractor turns binary content into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, data []byte) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, data []byte) (string, error) { return f(ctx, data) }

// Indexer is the subset of index.Provisioner used for ingestion.
type Indexer interface {
	IndexDocuments(ctx context.Context, docs []domain.Document, collection string) (*index.Index, []domain.EmbeddedChunk, error)
}

type Service struct {
	indexer  Indexer
	sanitize bool
	logger   *slog.Logger

	mu         sync.RWMutex
	extractors map[string]Extractor
}

type Config struct {
	Indexer Indexer
	// Sanitize replaces everything except ASCII letters, digits, spaces
	// and öäü with a space before text and PDF content is chunked.
	Sanitize bool
	Logger   *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		indexer:    cfg.Indexer,
		sanitize:   cfg.Sanitize,
		logger:     cfg.Logger,
		extractors: make(map[string]Extractor),
	}
}

// Register installs the extractor for a content type, replacing any previous one.
func (s *Service) Register(contentType string, e Extractor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractors[contentType] = e
}

func (s *Service) extractor(contentType string) (Extractor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extractors[contentType]
	return e, ok
}

// Ingest chunks and embeds the request content. With a datasource the
// chunks are also stored in that collection.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.FileName == "" {
		return nil, domain.Invalid("fileName is required")
	}
	var (
		res  *Result
		docs []domain.Document
		err  error
	)
	switch {
	case req.CSV != "":
		metrics.IngestRequests.With(TypeCSV).Inc()
		res = &Result{Content: req.CSV, Size: utf8.RuneCountInString(req.CSV), Type: TypeCSV}
		docs = splitLines(req.CSV)
	case req.Text != "":
		metrics.IngestRequests.With(TypeText).Inc()
		res = &Result{Content: req.Text, Size: utf8.RuneCountInString(req.Text), Type: TypeText}
		docs = []domain.Document{s.document(req.Text)}
	case req.PDF != "":
		metrics.IngestRequests.With(TypePDF).Inc()
		res, err = s.pdf(ctx, req.PDF)
		if err != nil {
			return nil, err
		}
		docs = []domain.Document{s.document(res.Content)}
	default:
		return nil, domain.Invalid("one of text, pdf or csv is required")
	}
	res.URL = req.FileName

	idx, chunks, err := s.indexer.IndexDocuments(ctx, docs, req.Datasource)
	if err != nil {
		return nil, domain.E("ingest "+req.FileName, err)
	}
	idx.Close()

	res.Embeddings = make([]domain.Embedding, len(chunks))
	for i, c := range chunks {
		res.Embeddings[i] = domain.Embedding{Text: c.Text, Embedding: c.Vector}
	}
	s.logger.Info("content ingested",
		"file", req.FileName,
		"type", res.Type,
		"datasource", req.Datasource,
		"documents", len(docs),
		"chunks", len(chunks),
	)
	return res, nil
}

func (s *Service) pdf(ctx context.Context, encoded string) (*Result, error) {
	e, ok := s.extractor(TypePDF)
	if !ok {
		return nil, fmt.Errorf("%w: no extractor registered for %s", domain.ErrUnsupportedContent, TypePDF)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domain.Invalid("pdf is not valid base64: %v", err)
	}
	text, err := e.Extract(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("extract pdf: %w", err)
	}
	return &Result{Content: text, Size: len(data), Type: TypePDF}, nil
}

var unsafeRun = regexp.MustCompile(`[^A-Za-z0-9öäü ]+`)

func (s *Service) document(text string) domain.Document {
	if s.sanitize {
		text = Sanitize(text)
	}
	return domain.NewDocument(text)
}

// Sanitize replaces each run of characters outside [A-Za-z0-9öäü ] with a
// single space.
func Sanitize(text string) string {
	return unsafeRun.ReplaceAllString(text, " ")
}

// splitLines makes one document per non-blank CSV line.
func splitLines(csv string) []domain.Document {
	var docs []domain.Document
	for _, line := range strings.Split(csv, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		docs = append(docs, domain.NewDocument(line))
	}
	return docs
}

// RequestFromFile builds a request from a local file, choosing the content
// field by extension.
func RequestFromFile(path, datasource string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, fmt.Errorf("read %s: %w", path, err)
	}
	req := Request{Datasource: datasource, FileName: filepath.Base(path)}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		req.CSV = string(data)
	case ".pdf":
		req.PDF = base64.StdEncoding.EncodeToString(data)
	default:
		req.Text = string(data)
	}
	return req, nil
}
