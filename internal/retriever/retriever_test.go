package retriever

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hexabank/ragcore/internal/ragtypes"
)

func TestMinMaxNormalize_DegenerateAllEqual(t *testing.T) {
	scores := minMaxNormalize([]float64{0.42, 0.42, 0.42})
	for _, s := range scores {
		assert.Equal(t, 1.0, s)
	}
}

func TestMinMaxNormalize_SpreadsAcrossRange(t *testing.T) {
	scores := minMaxNormalize([]float64{-2.0, 0.0, 2.0})
	assert.Equal(t, 0.0, scores[0])
	assert.Equal(t, 0.5, scores[1])
	assert.Equal(t, 1.0, scores[2])
}

func TestMinMaxNormalize_EmptyInput(t *testing.T) {
	assert.Nil(t, minMaxNormalize(nil))
}

func chunkWith(docID uuid.UUID, idx int) ragtypes.Chunk {
	return ragtypes.Chunk{DocumentID: docID, ChunkIndex: idx}
}

func TestSortScored_TieBrokenByRawSimilarityThenPosition(t *testing.T) {
	docA := uuid.New()
	scored := []ragtypes.ScoredChunk{
		{Chunk: chunkWith(docA, 2), Score: 0.8, RawSimilarity: 0.5},
		{Chunk: chunkWith(docA, 1), Score: 0.8, RawSimilarity: 0.9},
	}
	sortScored(scored)
	assert.Equal(t, 1, scored[0].Chunk.ChunkIndex, "higher raw similarity should win the score tie")
}

func TestSortScored_TieBrokenByDocumentIDThenChunkIndex(t *testing.T) {
	docA, docB := uuid.New(), uuid.New()
	if docA.String() > docB.String() {
		docA, docB = docB, docA
	}
	scored := []ragtypes.ScoredChunk{
		{Chunk: chunkWith(docB, 0), Score: 0.5, RawSimilarity: 0.5},
		{Chunk: chunkWith(docA, 0), Score: 0.5, RawSimilarity: 0.5},
	}
	sortScored(scored)
	assert.Equal(t, docA, scored[0].Chunk.DocumentID)
}

func TestDiversify_BreadthFirstAcrossDocuments(t *testing.T) {
	docA, docB, docC := uuid.New(), uuid.New(), uuid.New()
	scored := []ragtypes.ScoredChunk{
		{Chunk: chunkWith(docA, 0), Score: 0.9},
		{Chunk: chunkWith(docA, 1), Score: 0.85},
		{Chunk: chunkWith(docB, 0), Score: 0.8},
		{Chunk: chunkWith(docC, 0), Score: 0.75},
	}
	final := diversify(scored, 3, 3)
	require := assert.New(t)
	require.Len(final, 3)

	docs := map[uuid.UUID]bool{}
	for _, sc := range final {
		docs[sc.Chunk.DocumentID] = true
	}
	require.Len(docs, 3, "breadth pass should favor distinct documents before revisiting any one document")
}

func TestDiversify_RespectsMaxPerDocumentOnSecondPass(t *testing.T) {
	doc := uuid.New()
	scored := []ragtypes.ScoredChunk{
		{Chunk: chunkWith(doc, 0), Score: 0.9},
		{Chunk: chunkWith(doc, 1), Score: 0.8},
		{Chunk: chunkWith(doc, 2), Score: 0.7},
		{Chunk: chunkWith(doc, 3), Score: 0.6},
	}
	final := diversify(scored, 2, 10)
	assert.Len(t, final, 2, "max-per-document cap should stop selection even with slots remaining")
}

func TestTopN_TakesLeadingChunksWithoutBreadthPass(t *testing.T) {
	doc := uuid.New()
	scored := []ragtypes.ScoredChunk{
		{Chunk: chunkWith(doc, 0), Score: 0.9},
		{Chunk: chunkWith(doc, 1), Score: 0.8},
		{Chunk: chunkWith(doc, 2), Score: 0.7},
	}
	final := topN(scored, 2)
	require := assert.New(t)
	require.Len(final, 2)
	require.Equal(0, final[0].Chunk.ChunkIndex)
	require.Equal(1, final[1].Chunk.ChunkIndex)
}

func TestTopN_LimitAtOrAboveLengthReturnsAll(t *testing.T) {
	scored := []ragtypes.ScoredChunk{{Score: 0.9}, {Score: 0.8}}
	assert.Len(t, topN(scored, 10), 2)
	assert.Len(t, topN(scored, 0), 2)
}
