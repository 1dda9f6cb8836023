// Package retriever implements the Retriever (C9): it recalls candidate
// chunks by ANN similarity, reranks and normalizes them, thresholds, and
// applies per-document diversity selection, per spec.md §4.9.
package retriever

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/ragtypes"
	"github.com/hexabank/ragcore/internal/reranker"
	"github.com/hexabank/ragcore/internal/store"
)

// Config holds the retriever's tunables (spec.md §6 env vars).
type Config struct {
	InitialTopK         int
	FinalTopK           int
	RerankThreshold     float64
	SimilarityThreshold float64
	EnforceDiversity    bool
	MaxPerDocument      int
}

// DefaultConfig mirrors spec.md §4.9's recommended defaults.
func DefaultConfig() Config {
	return Config{
		InitialTopK:         50,
		FinalTopK:           10,
		RerankThreshold:     0.05,
		SimilarityThreshold: 0.5,
		EnforceDiversity:    true,
		MaxPerDocument:      3,
	}
}

// Retriever combines the Chunk Store's ANN recall with the Reranker
// Gateway's cross-encoder scoring.
type Retriever struct {
	cfg      Config
	st       *store.Store
	rerankGW *reranker.Gateway
	logger   *logrus.Logger
}

// New constructs a Retriever.
func New(cfg Config, st *store.Store, rerankGW *reranker.Gateway, logger *logrus.Logger) *Retriever {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retriever{cfg: cfg, st: st, rerankGW: rerankGW, logger: logger}
}

// Result is the outcome of one retrieval call.
type Result struct {
	Chunks   []ragtypes.ScoredChunk
	Degraded bool // true when reranking fell back to raw cosine similarity, or no candidate met the threshold and only the best one was kept
}

// Retrieve recalls InitialTopK candidates by cosine similarity against
// queryVector (the HyDE-expanded embedding), reranks them against the
// original question if the reranker is available, normalizes scores to
// [0,1], thresholds, applies per-document diversity, and returns at
// most FinalTopK chunks. The expanded text only ever drives the ANN
// query vector; reranking and the final prompt keep the user's
// original question (spec.md §4.8, §4.9 step 2).
func (r *Retriever) Retrieve(ctx context.Context, queryVector []float32, question string) (Result, error) {
	candidates, err := r.st.KNN(ctx, queryVector, r.cfg.InitialTopK)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{}, nil
	}

	scored := make([]ragtypes.ScoredChunk, len(candidates))
	for i, c := range candidates {
		scored[i] = ragtypes.ScoredChunk{Chunk: c.Chunk, RawSimilarity: c.Similarity, Score: c.Similarity}
	}

	degraded := false
	if r.rerankGW != nil && r.rerankGW.Available() {
		passages := make([]string, len(scored))
		for i, sc := range scored {
			passages[i] = sc.Chunk.Content
		}
		rawScores, err := r.rerankGW.Rerank(ctx, question, passages)
		if err != nil {
			r.logger.WithFields(logrus.Fields{"component": "retriever"}).WithError(err).Warn("rerank failed, falling back to cosine similarity")
			degraded = true
		} else {
			normalized := minMaxNormalize(rawScores)
			for i := range scored {
				scored[i].Score = normalized[i]
			}
		}
	} else {
		degraded = true
	}

	sortScored(scored)

	// RERANK_THRESHOLD applies only to normalized rerank scores; in
	// fallback mode the score is raw cosine similarity on a different
	// scale, so SIMILARITY_THRESHOLD applies instead (spec.md §4.9 step 3,
	// §8's documented similarity/rerank threshold confusion).
	threshold := r.cfg.RerankThreshold
	if degraded {
		threshold = r.cfg.SimilarityThreshold
	}

	var kept []ragtypes.ScoredChunk
	for _, sc := range scored {
		if sc.Score >= threshold {
			kept = append(kept, sc)
		}
	}
	if len(kept) == 0 && len(scored) > 0 {
		// Nothing survived threshold: keep the single best candidate and
		// mark the response as degraded per spec.md §4.9's edge case.
		kept = []ragtypes.ScoredChunk{scored[0]}
		degraded = true
	}

	var final []ragtypes.ScoredChunk
	if r.cfg.EnforceDiversity {
		final = diversify(kept, r.cfg.MaxPerDocument, r.cfg.FinalTopK)
	} else {
		final = topN(kept, r.cfg.FinalTopK)
	}

	return Result{Chunks: final, Degraded: degraded}, nil
}

// topN takes the first limit chunks of an already-sorted slice, per
// spec.md §4.9 step 4's enforce_diversity=false path.
func topN(scored []ragtypes.ScoredChunk, limit int) []ragtypes.ScoredChunk {
	if limit <= 0 || limit >= len(scored) {
		return scored
	}
	return scored[:limit]
}

// minMaxNormalize rescales raw scores to [0,1]; if every score is equal,
// every result scores 1.0 (spec.md §4.4's explicit degenerate case).
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	min, max := scores[0], scores[0]
	for _, s := range scores {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(scores))
	if max == min {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - min) / (max - min)
	}
	return out
}

// sortScored orders by normalized score descending, breaking ties by raw
// ANN similarity descending, then by (document ID, chunk index)
// lexicographic order, per spec.md §4.9's determinism requirement.
func sortScored(scored []ragtypes.ScoredChunk) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RawSimilarity != b.RawSimilarity {
			return a.RawSimilarity > b.RawSimilarity
		}
		if a.Chunk.DocumentID != b.Chunk.DocumentID {
			return a.Chunk.DocumentID.String() < b.Chunk.DocumentID.String()
		}
		return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
	})
}

// diversify implements the two-pass greedy breadth-then-depth selection:
// first pass takes at most one chunk per document (breadth), second pass
// fills remaining slots from the leftover pool respecting maxPerDoc,
// both passes preserving the incoming score order (spec.md §4.9 step 5).
func diversify(scored []ragtypes.ScoredChunk, maxPerDoc, limit int) []ragtypes.ScoredChunk {
	if maxPerDoc <= 0 {
		maxPerDoc = len(scored)
	}

	perDocCount := map[string]int{}
	var selected []ragtypes.ScoredChunk
	var leftover []ragtypes.ScoredChunk

	for _, sc := range scored {
		key := sc.Chunk.DocumentID.String()
		if perDocCount[key] == 0 && len(selected) < limit {
			selected = append(selected, sc)
			perDocCount[key]++
		} else {
			leftover = append(leftover, sc)
		}
	}

	for _, sc := range leftover {
		if len(selected) >= limit {
			break
		}
		key := sc.Chunk.DocumentID.String()
		if perDocCount[key] >= maxPerDoc {
			continue
		}
		selected = append(selected, sc)
		perDocCount[key]++
	}

	return selected
}
