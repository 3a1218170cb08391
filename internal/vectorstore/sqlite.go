package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ragchat/internal/domain"
)

// SQLite keeps collections in a single database file. Search is a full scan
// scored with Cosine, which is fine for the document counts a local
// deployment sees.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Describe(ctx context.Context, name string) (domain.Collection, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, name).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Collection{}, domain.ErrCollectionNotFound
	}
	if err != nil {
		return domain.Collection{}, fmt.Errorf("sqlite describe: %w", err)
	}
	return domain.Collection{Name: name, Dimension: dim}, nil
}

func (s *SQLite) CreateCollection(ctx context.Context, c domain.Collection) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO collections (name, dimension) VALUES (?, ?)`, c.Name, c.Dimension)
	if isUniqueViolation(err) {
		return domain.ErrCollectionExists
	}
	if err != nil {
		return fmt.Errorf("sqlite create collection: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	code := sqlErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *SQLite) Upsert(ctx context.Context, collection string, chunks []domain.EmbeddedChunk) error {
	info, err := s.Describe(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkChunks(info, chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO points (collection, id, document_id, ordinal, text, embedding, start_offset, end_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			text = excluded.text, embedding = excluded.embedding,
			start_offset = excluded.start_offset, end_offset = excluded.end_offset`)
	if err != nil {
		return fmt.Errorf("sqlite upsert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		if _, err := stmt.ExecContext(ctx, collection, PointID(ch.Chunk), ch.DocumentID, ch.Ordinal,
			ch.Text, encodeVector(ch.Vector), ch.Start, ch.End); err != nil {
			return fmt.Errorf("sqlite upsert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	info, err := s.Describe(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(info, vector); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, ordinal, text, start_offset, end_offset, embedding
		FROM points WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("sqlite search: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredChunk
	for rows.Next() {
		var (
			c    domain.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.DocumentID, &c.Ordinal, &c.Text, &c.Start, &c.End, &blob); err != nil {
			return nil, fmt.Errorf("sqlite search: scan: %w", err)
		}
		hits = append(hits, domain.ScoredChunk{Chunk: c, Score: Cosine(vector, decodeVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite search: %w", err)
	}
	return Rank(hits, topK), nil
}

// DeleteCollection removes a collection and its points.
func (s *SQLite) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM points WHERE collection = ?`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// encodeVector stores float32 components little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

var _ domain.VectorStore = (*SQLite)(nil)
