// Package index provisions vector collections and builds the searchable
// indexes used by retrieval.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ragchat/internal/chunker"
	"ragchat/internal/domain"
	"ragchat/internal/metrics"
	"ragchat/internal/vectorstore"
)

// DefaultTimeout bounds provisioning when the caller's context has no
// deadline of its own.
const DefaultTimeout = 40 * time.Second

// transientCollection names the single collection of a request-scoped index.
const transientCollection = "transient"

// Embedder is the subset of embedding.Embedder the provisioner needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension(ctx context.Context) (int, error)
}

// Index is a searchable collection bound to a store.
type Index struct {
	store      domain.VectorStore
	collection domain.Collection
	transient  bool
}

func (i *Index) Collection() domain.Collection { return i.collection }

// Transient reports whether the index lives only for the current request.
func (i *Index) Transient() bool { return i.transient }

// Search returns up to topK nearest chunks to vector.
func (i *Index) Search(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	return i.store.Search(ctx, i.collection.Name, vector, topK)
}

// Close releases a transient index. Persistent stores are owned by the
// caller and are left open.
func (i *Index) Close() error {
	if i.transient {
		return i.store.Close()
	}
	return nil
}

// Provisioner creates collections on demand and indexes documents into them.
type Provisioner struct {
	store    domain.VectorStore
	embedder Embedder
	chunker  *chunker.Chunker
	timeout  time.Duration
	logger   *slog.Logger
}

type Config struct {
	// Store is the persistent store; it may be nil when only transient
	// indexes are used.
	Store    domain.VectorStore
	Embedder Embedder
	Chunker  *chunker.Chunker
	Timeout  time.Duration
	Logger   *slog.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provisioner{
		store:    cfg.Store,
		embedder: cfg.Embedder,
		chunker:  cfg.Chunker,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Store returns the persistent store, or nil.
func (p *Provisioner) Store() domain.VectorStore { return p.store }

// EnsureCollection returns the named collection, creating it with the
// embedder's dimension when absent. Concurrent callers converge on the same
// collection: losing a create race counts as success.
func (p *Provisioner) EnsureCollection(ctx context.Context, store domain.VectorStore, name string, embedder Embedder) (domain.Collection, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	c, err := p.ensure(ctx, store, name, embedder)
	return c, p.deadline(ctx, "ensure collection", err)
}

func (p *Provisioner) ensure(ctx context.Context, store domain.VectorStore, name string, embedder Embedder) (domain.Collection, error) {
	if name == "" {
		return domain.Collection{}, domain.Invalid("collection name is required")
	}
	if store == nil {
		return domain.Collection{}, fmt.Errorf("%w: no vector store configured", domain.ErrStoreUnavailable)
	}

	c, err := store.Describe(ctx, name)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrCollectionNotFound) {
		return domain.Collection{}, err
	}

	dim, err := embedder.Dimension(ctx)
	if err != nil {
		return domain.Collection{}, err
	}
	err = store.CreateCollection(ctx, domain.Collection{Name: name, Dimension: dim})
	switch {
	case err == nil:
		p.logger.Info("collection created", "collection", name, "dimension", dim)
		return domain.Collection{Name: name, Dimension: dim}, nil
	case errors.Is(err, domain.ErrCollectionExists):
		p.logger.Debug("collection created concurrently", "collection", name)
		return store.Describe(ctx, name)
	default:
		return domain.Collection{}, err
	}
}

// Open returns an index over an existing collection.
func (p *Provisioner) Open(ctx context.Context, store domain.VectorStore, name string) (*Index, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: no vector store configured", domain.ErrStoreUnavailable)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	c, err := store.Describe(ctx, name)
	if err != nil {
		return nil, p.deadline(ctx, "open collection", err)
	}
	return &Index{store: store, collection: c}, nil
}

// IndexDocuments chunks and embeds docs. With a collection name the chunks
// are upserted into the persistent store; with an empty name they go into a
// transient in-memory index the caller must Close.
func (p *Provisioner) IndexDocuments(ctx context.Context, docs []domain.Document, collection string) (*Index, []domain.EmbeddedChunk, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	chunks := p.chunker.SplitAll(docs)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, p.deadline(ctx, "embed chunks", err)
	}
	embedded := make([]domain.EmbeddedChunk, len(chunks))
	for i, c := range chunks {
		embedded[i] = domain.EmbeddedChunk{Chunk: c, Vector: vecs[i]}
	}
	metrics.ChunksIndexed.Add(int64(len(embedded)))

	if collection == "" {
		dim := 0
		if len(embedded) > 0 {
			dim = len(embedded[0].Vector)
		} else if dim, err = p.embedder.Dimension(ctx); err != nil {
			return nil, nil, p.deadline(ctx, "probe dimension", err)
		}
		idx, err := transient(ctx, dim, embedded)
		if err != nil {
			return nil, nil, err
		}
		return idx, embedded, nil
	}

	c, err := p.ensure(ctx, p.store, collection, p.embedder)
	if err != nil {
		return nil, nil, p.deadline(ctx, "ensure collection", err)
	}
	if len(embedded) > 0 {
		if err := p.store.Upsert(ctx, collection, embedded); err != nil {
			return nil, nil, p.deadline(ctx, "upsert chunks", err)
		}
	}
	p.logger.Info("documents indexed", "collection", collection, "documents", len(docs), "chunks", len(embedded))
	return &Index{store: p.store, collection: c}, embedded, nil
}

// IndexEmbedded builds a transient index from precomputed embeddings.
// The vectors are used as given.
func (p *Provisioner) IndexEmbedded(ctx context.Context, chunks []domain.EmbeddedChunk) (*Index, error) {
	if len(chunks) == 0 {
		return nil, domain.Invalid("embeddings must not be empty")
	}
	dim := len(chunks[0].Vector)
	if dim == 0 {
		return nil, domain.Invalid("embedding vectors must not be empty")
	}
	return transient(ctx, dim, chunks)
}

func transient(ctx context.Context, dim int, chunks []domain.EmbeddedChunk) (*Index, error) {
	store := vectorstore.NewMemory()
	c := domain.Collection{Name: transientCollection, Dimension: dim}
	if err := store.CreateCollection(ctx, c); err != nil {
		return nil, err
	}
	if err := store.Upsert(ctx, c.Name, chunks); err != nil {
		return nil, err
	}
	return &Index{store: store, collection: c, transient: true}, nil
}

// bound applies the configured timeout unless ctx already carries a
// deadline, such as a chat request's own timeout, which then governs.
func (p *Provisioner) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// deadline reports an expired provisioning deadline as ErrProvisioningTimeout.
func (p *Provisioner) deadline(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.Warn("provisioning timed out", "op", op, "err", err)
		return domain.E(op, fmt.Errorf("%w: %v", domain.ErrProvisioningTimeout, err))
	}
	return domain.E(op, err)
}
