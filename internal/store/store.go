// Package store implements the Chunk Store (C6): it persists documents
// and chunks and answers approximate-nearest-neighbor queries over their
// embeddings, per spec.md §4.6. Grounded on the pgvector client idiom:
// pgxpool for connection management, a cosine-distance HNSW index, and
// pgx.Batch for bulk inserts.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/ragtypes"
)

// Config configures the Postgres/pgvector connection pool.
type Config struct {
	DatabaseURL     string
	VectorDim       int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig mirrors the teacher pgvector client's pool defaults.
func DefaultConfig() Config {
	return Config{
		VectorDim:       1024,
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  30 * time.Second,
	}
}

// Store is the Chunk Store.
type Store struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *logrus.Logger
	mu     sync.RWMutex
}

// New constructs a Store; call Connect before use.
func New(cfg Config, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{cfg: cfg, logger: logger}
}

// Connect opens the pool, ensures the pgvector extension exists, and
// creates the schema (documents, document_chunks, HNSW cosine index) if
// absent.
func (s *Store) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%w: parsing dsn: %v", ragtypes.ErrStorageUnavailable, err)
	}
	// Zero-valued tunables keep pgx's own defaults.
	if s.cfg.MaxConns > 0 {
		poolCfg.MaxConns = s.cfg.MaxConns
	}
	if s.cfg.MinConns > 0 {
		poolCfg.MinConns = s.cfg.MinConns
	}
	if s.cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = s.cfg.MaxConnLifetime
	}
	if s.cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = s.cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}

	connectTimeout := s.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConfig().ConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(connectCtx); err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("%w: enabling pgvector: %v", ragtypes.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()

	return s.ensureSchema(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			mime TEXT NOT NULL,
			class TEXT NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			token_count INT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, s.cfg.VectorDim),
		`CREATE INDEX IF NOT EXISTS document_chunks_document_id_idx ON document_chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_embedding_hnsw_idx ON document_chunks
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: schema migration: %v", ragtypes.ErrStorageUnavailable, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
	}
}

// HealthCheck pings the pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool == nil {
		return fmt.Errorf("%w: not connected", ragtypes.ErrStorageUnavailable)
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	return nil
}

// IngestTransaction persists a document and its chunks atomically: both
// become visible to queries at commit, never a partial subset (spec.md
// §3, §4.6, §4.7 step 6).
func (s *Store) IngestTransaction(ctx context.Context, doc ragtypes.Document, chunks []ragtypes.Chunk) error {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO documents (id, name, path, size_bytes, mime, class, uploaded_at, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		doc.ID, doc.Name, doc.Path, doc.SizeBytes, string(doc.MIME), string(doc.Class), doc.UploadedAt, toJSONMap(doc.Metadata),
	); err != nil {
		return fmt.Errorf("%w: inserting document: %v", ragtypes.ErrStorageUnavailable, err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, token_count, embedding, metadata)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount, vectorLiteral(c.Embedding), chunkMetadataJSON(c.Metadata),
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%w: inserting chunk: %v", ragtypes.ErrStorageUnavailable, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteDocument atomically removes a document and all its chunks
// (the ON DELETE CASCADE foreign key is the mechanism; the statement
// itself is the atomic unit spec.md §3 requires).
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	tag, err := pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ragtypes.ErrDocumentNotFound
	}
	return nil
}

// ListDocuments returns every document, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]ragtypes.Document, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	rows, err := pool.Query(ctx, `SELECT id, name, path, size_bytes, mime, class, uploaded_at, metadata
		FROM documents ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var docs []ragtypes.Document
	for rows.Next() {
		var d ragtypes.Document
		var mime, class string
		var meta map[string]any
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.SizeBytes, &mime, &class, &d.UploadedAt, &meta); err != nil {
			return nil, fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
		}
		d.MIME = ragtypes.MIMEKind(mime)
		d.Class = ragtypes.DocumentClass(class)
		d.Metadata = meta
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CountDocuments and CountChunks support the health endpoint.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	return s.count(ctx, "documents")
}

func (s *Store) CountChunks(ctx context.Context) (int64, error) {
	return s.count(ctx, "document_chunks")
}

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	var n int64
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	return n, nil
}

// KNNResult is one hit from an ANN query.
type KNNResult struct {
	Chunk      ragtypes.Chunk
	Similarity float64 // cosine similarity, 1 - cosine distance
}

// KNN executes cosine-distance ANN recall over the HNSW index, per
// spec.md §4.6's knn(query_vector, k) contract.
func (s *Store) KNN(ctx context.Context, queryVector []float32, k int) ([]KNNResult, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	rows, err := pool.Query(ctx,
		`SELECT dc.id, dc.document_id, dc.chunk_index, dc.content, dc.token_count, dc.metadata,
		        1 - (dc.embedding <=> $1::vector) AS similarity
		 FROM document_chunks dc
		 ORDER BY dc.embedding <=> $1::vector
		 LIMIT $2`,
		vectorLiteral(queryVector), k,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []KNNResult
	for rows.Next() {
		var c ragtypes.Chunk
		var meta map[string]any
		var similarity float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount, &meta, &similarity); err != nil {
			return nil, fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
		}
		c.Metadata = metadataFromJSON(meta)
		out = append(out, KNNResult{Chunk: c, Similarity: similarity})
	}
	return out, rows.Err()
}

// vectorLiteral serializes a float32 vector into pgvector's textual
// literal format, matching the teacher pgvector client's encoding.
func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func toJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func chunkMetadataJSON(m ragtypes.ChunkMetadata) map[string]any {
	out := map[string]any{
		"page":              m.Page,
		"page_extracted":    m.PageExtracted,
		"physical_position": m.PhysicalPosition,
	}
	if m.Section != "" {
		out["section"] = m.Section
	}
	if m.DocumentName != "" {
		out["document_name"] = m.DocumentName
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return out
}

func metadataFromJSON(m map[string]any) ragtypes.ChunkMetadata {
	meta := ragtypes.ChunkMetadata{Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "page":
			meta.Page = toInt(v)
		case "page_extracted":
			if b, ok := v.(bool); ok {
				meta.PageExtracted = b
			}
		case "physical_position":
			meta.PhysicalPosition = toInt(v)
		case "section":
			if s, ok := v.(string); ok {
				meta.Section = s
			}
		case "document_name":
			if s, ok := v.(string); ok {
				meta.DocumentName = s
			}
		default:
			meta.Extra[k] = v
		}
	}
	return meta
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
