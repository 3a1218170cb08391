package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"ragchat/internal/domain"
)

// PGVector stores each collection in its own table with a pgvector column.
// rag_collections records each name with its table and dimension; the table
// is always read back from there, never re-derived.
type PGVector struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPGVector(ctx context.Context, dsn string, logger *slog.Logger) (*PGVector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", domain.ErrStoreUnavailable, err)
	}
	s := &PGVector{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *PGVector) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE EXTENSION IF NOT EXISTS vector;
	CREATE TABLE IF NOT EXISTS rag_collections (
		name       TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		dimension  INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	return err
}

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

const (
	tablePrefix   = "rag_c_"
	maxIdentLen   = 63 // NAMEDATALEN - 1
	tableHashLen  = 16
	tableStemSize = maxIdentLen - len(tablePrefix) - 1 - tableHashLen
)

// tableName derives a table identifier for a collection name: a readable
// sanitized stem plus a hash of the exact name, so names that sanitize
// alike still get distinct tables.
func tableName(collection string) string {
	stem := strings.Trim(unsafeIdent.ReplaceAllString(strings.ToLower(collection), "_"), "_")
	if len(stem) > tableStemSize {
		stem = stem[:tableStemSize]
	}
	sum := sha256.Sum256([]byte(collection))
	return tablePrefix + stem + "_" + hex.EncodeToString(sum[:])[:tableHashLen]
}

// lookup returns the recorded table and dimension of a collection.
func (s *PGVector) lookup(ctx context.Context, name string) (string, int, error) {
	var table string
	var dim int
	err := s.pool.QueryRow(ctx, `SELECT table_name, dimension FROM rag_collections WHERE name = $1`, name).Scan(&table, &dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, domain.ErrCollectionNotFound
	}
	if err != nil {
		return "", 0, unavailable(ctx, "pgvector describe", err)
	}
	return table, dim, nil
}

func (s *PGVector) Describe(ctx context.Context, name string) (domain.Collection, error) {
	_, dim, err := s.lookup(ctx, name)
	if err != nil {
		return domain.Collection{}, err
	}
	return domain.Collection{Name: name, Dimension: dim}, nil
}

func (s *PGVector) CreateCollection(ctx context.Context, c domain.Collection) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable(ctx, "pgvector create collection", err)
	}
	defer tx.Rollback(ctx)

	table := tableName(c.Name)
	_, err = tx.Exec(ctx, `INSERT INTO rag_collections (name, table_name, dimension) VALUES ($1, $2, $3)`,
		c.Name, table, c.Dimension)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrCollectionExists
		}
		return unavailable(ctx, "pgvector create collection", err)
	}

	ident := pgx.Identifier{table}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id           UUID PRIMARY KEY,
		document_id  TEXT NOT NULL,
		ordinal      INTEGER NOT NULL,
		text         TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset   INTEGER NOT NULL,
		embedding    vector(%d) NOT NULL
	)`, ident, c.Dimension)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgvector create table: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGVector) Upsert(ctx context.Context, collection string, chunks []domain.EmbeddedChunk) error {
	table, dim, err := s.lookup(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkChunks(domain.Collection{Name: collection, Dimension: dim}, chunks); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, document_id, ordinal, text, start_offset, end_offset, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, start_offset = EXCLUDED.start_offset,
			end_offset = EXCLUDED.end_offset, embedding = EXCLUDED.embedding`,
		pgx.Identifier{table}.Sanitize())

	batch := &pgx.Batch{}
	for _, ch := range chunks {
		batch.Queue(query, PointID(ch.Chunk), ch.DocumentID, ch.Ordinal, ch.Text, ch.Start, ch.End,
			pgvector.NewVector(ch.Vector))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable(ctx, "pgvector upsert", err)
	}
	return nil
}

func (s *PGVector) Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	table, dim, err := s.lookup(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(domain.Collection{Name: collection, Dimension: dim}, vector); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT document_id, ordinal, text, start_offset, end_offset, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1, ordinal LIMIT $2`, pgx.Identifier{table}.Sanitize())
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, unavailable(ctx, "pgvector search", err)
	}
	defer rows.Close()

	var hits []domain.ScoredChunk
	for rows.Next() {
		var h domain.ScoredChunk
		if err := rows.Scan(&h.Chunk.DocumentID, &h.Chunk.Ordinal, &h.Chunk.Text,
			&h.Chunk.Start, &h.Chunk.End, &h.Score); err != nil {
			return nil, fmt.Errorf("pgvector search: scan: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ctx, "pgvector search", err)
	}
	return Rank(hits, topK), nil
}

// DeleteCollection drops a collection and its table. Deleting an unknown
// collection is not an error.
func (s *PGVector) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable(ctx, "pgvector delete collection", err)
	}
	defer tx.Rollback(ctx)

	var table string
	err = tx.QueryRow(ctx, `DELETE FROM rag_collections WHERE name = $1 RETURNING table_name`, name).Scan(&table)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable(ctx, "pgvector delete collection", err)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()); err != nil {
		return fmt.Errorf("pgvector drop table: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGVector) Close() error {
	s.pool.Close()
	return nil
}

var _ domain.VectorStore = (*PGVector)(nil)
