// Package ingestion implements the Ingestion Coordinator (C7): it drives
// a document through extraction, chunking, embedding, and persistence as
// one atomic unit, per spec.md §4.7.
package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/chunker"
	"github.com/hexabank/ragcore/internal/embedding"
	"github.com/hexabank/ragcore/internal/extractor"
	"github.com/hexabank/ragcore/internal/ragtypes"
	"github.com/hexabank/ragcore/internal/store"
)

// Coordinator wires C1-C3 and C6 into one ingestion operation.
type Coordinator struct {
	extractorC  *extractor.Extractor
	chunkerC    *chunker.Chunker
	embedGW     *embedding.Gateway
	st          *store.Store
	storagePath string
	logger      *logrus.Logger
}

// New constructs a Coordinator. storagePath is the root directory under
// which document binaries are written, per spec.md §6's
// "<STORAGE_PATH>/<document_id>/<filename>" layout.
func New(extractorC *extractor.Extractor, chunkerC *chunker.Chunker, embedGW *embedding.Gateway, st *store.Store, storagePath string, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{extractorC: extractorC, chunkerC: chunkerC, embedGW: embedGW, st: st, storagePath: storagePath, logger: logger}
}

// Request describes one upload to ingest. The on-disk path is derived
// by Ingest from the document id it assigns, not supplied by the
// caller (spec.md §6's "<STORAGE_PATH>/<document_id>/<filename>").
type Request struct {
	Name  string
	Data  []byte
	MIME  ragtypes.MIMEKind
	Class ragtypes.DocumentClass
}

// Ingest runs extract -> chunk -> embed -> persist. Nothing becomes
// visible to queries unless every step succeeds; a failure at any step
// leaves the store untouched (spec.md §4.7 steps 1-6, the "all or
// nothing" invariant).
func (c *Coordinator) Ingest(ctx context.Context, req Request) (ragtypes.Document, error) {
	result, err := c.extractorC.Extract(req.Data, req.MIME)
	if err != nil {
		return ragtypes.Document{}, err
	}

	prospective := c.chunkerC.Chunk(result)
	if len(prospective) == 0 {
		return ragtypes.Document{}, ragtypes.ErrIngestionYieldedNothing
	}

	select {
	case <-ctx.Done():
		return ragtypes.Document{}, fmt.Errorf("%w: %v", ragtypes.ErrCancelled, ctx.Err())
	default:
	}

	texts := make([]string, len(prospective))
	for i, p := range prospective {
		texts[i] = p.Content
	}
	vectors, err := c.embedGW.Embed(ctx, texts)
	if err != nil {
		return ragtypes.Document{}, err
	}

	docID := uuid.New()
	relPath := filepath.Join(docID.String(), req.Name)
	doc := ragtypes.Document{
		ID:         docID,
		Name:       req.Name,
		Path:       relPath,
		SizeBytes:  int64(len(req.Data)),
		MIME:       req.MIME,
		Class:      req.Class,
		UploadedAt: time.Now(),
		Metadata:   map[string]any{},
	}

	chunks := make([]ragtypes.Chunk, len(prospective))
	for i, p := range prospective {
		meta := p.Metadata
		meta.DocumentName = req.Name
		chunks[i] = ragtypes.Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    p.Content,
			TokenCount: p.TokenCount,
			Embedding:  vectors[i],
			Metadata:   meta,
		}
	}

	select {
	case <-ctx.Done():
		return ragtypes.Document{}, fmt.Errorf("%w: %v", ragtypes.ErrCancelled, ctx.Err())
	default:
	}

	absPath := filepath.Join(c.storagePath, relPath)
	if err := writeBinary(absPath, req.Data); err != nil {
		return ragtypes.Document{}, fmt.Errorf("%w: %v", ragtypes.ErrStorageUnavailable, err)
	}

	if err := c.st.IngestTransaction(ctx, doc, chunks); err != nil {
		// The DB side of the ingestion never became visible; undo the
		// binary write so a cancelled or failed ingestion leaves nothing
		// behind (spec.md §4.7's cancellation/rollback requirement).
		os.RemoveAll(filepath.Dir(absPath))
		return ragtypes.Document{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"component":   "ingestion",
		"document_id": docID.String(),
		"chunks":      len(chunks),
	}).Info("document ingested")

	return doc, nil
}

// writeBinary persists data to path, creating its parent directory.
func writeBinary(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
