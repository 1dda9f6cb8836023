// Package ragtypes defines the persisted data model shared by every
// component of the RAG core: documents, their chunks, and the metadata
// schema chunks carry.
package ragtypes

import (
	"time"

	"github.com/google/uuid"
)

// DocumentClass is the coarse category a document was uploaded under.
type DocumentClass string

const (
	ClassRegulation DocumentClass = "regulation"
	ClassPolicy     DocumentClass = "policy"
	ClassDocument   DocumentClass = "document"
)

// MIMEKind is the narrow set of binary formats the extractor accepts.
type MIMEKind string

const (
	MIMEPDF  MIMEKind = "pdf"
	MIMEDOCX MIMEKind = "docx"
	MIMEText MIMEKind = "text"
)

// Document is a single ingested file. Created atomically by the ingestion
// coordinator; never mutated after creation; destroyed only by explicit
// delete, which cascades to its chunks.
type Document struct {
	ID         uuid.UUID
	Name       string
	Path       string
	SizeBytes  int64
	MIME       MIMEKind
	Class      DocumentClass
	UploadedAt time.Time
	Metadata   map[string]any
}

// ChunkMetadata holds the recognized keys described in spec.md §3. Unknown
// keys are accepted and passed through; known keys are type-checked at read
// boundaries by the store.
type ChunkMetadata struct {
	Page             int    // human-visible page number when recoverable, else PhysicalPosition
	PageExtracted    bool   // true iff Page was recovered from page content rather than position
	PhysicalPosition int    // 1-based physical page index
	Section          string // detected section/title, empty when absent
	DocumentName     string // denormalized filename, convenience for prompt assembly
	Extra            map[string]any
}

// Chunk is a bounded, semantically coherent slice of a document's text,
// together with its embedding and its positional/structural metadata.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	TokenCount int
	Embedding  []float32
	Metadata   ChunkMetadata
}

// ScoredChunk pairs a chunk with a relevance score produced at some stage
// of the retrieval pipeline (raw cosine similarity or normalized rerank
// score; diversity selection keeps scores unchanged).
type ScoredChunk struct {
	Chunk        Chunk
	Score        float64 // meaning depends on pipeline stage; see retriever package
	RawSimilarity float64 // cosine similarity from the ANN stage, retained for tie-breaking
}

// DocumentDTO is the wire representation returned by the HTTP layer.
type DocumentDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploaded_at"`
	Type       string `json:"type"`
}

// ToDTO renders a Document for the HTTP surface (§6 Document DTO).
func (d Document) ToDTO() DocumentDTO {
	return DocumentDTO{
		ID:         d.ID.String(),
		Name:       d.Name,
		Size:       d.SizeBytes,
		UploadedAt: d.UploadedAt.Format(time.RFC3339),
		Type:       string(d.Class),
	}
}
