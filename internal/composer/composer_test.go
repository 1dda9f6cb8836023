package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexabank/ragcore/internal/llm"
	"github.com/hexabank/ragcore/internal/ragtypes"
)

func TestBuildContext_AssignsSequentialSourceLabels(t *testing.T) {
	chunks := []ragtypes.ScoredChunk{
		{Chunk: ragtypes.Chunk{Content: "first passage", Metadata: ragtypes.ChunkMetadata{DocumentName: "a.pdf", Page: 1}}},
		{Chunk: ragtypes.Chunk{Content: "second passage", Metadata: ragtypes.ChunkMetadata{DocumentName: "b.pdf", Page: 3}}},
	}
	block, labels := buildContext(chunks)

	require.Len(t, labels, 2)
	assert.Equal(t, "C1", labels[0].ID)
	assert.Equal(t, "C2", labels[1].ID)
	assert.Contains(t, block, "Source C1: [a.pdf, p.1]")
	assert.Contains(t, block, "first passage")
}

func TestTrimHistory_KeepsOnlyLastKTurns(t *testing.T) {
	history := []llm.Message{
		{Role: "user", Content: "1"}, {Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"}, {Role: "assistant", Content: "4"},
		{Role: "user", Content: "5"},
	}
	trimmed := trimHistory(history, 2)
	require.Len(t, trimmed, 2)
	assert.Equal(t, "4", trimmed[0].Content)
	assert.Equal(t, "5", trimmed[1].Content)
}

func TestTrimHistory_ShorterThanKIsUnchanged(t *testing.T) {
	history := []llm.Message{{Role: "user", Content: "only one"}}
	trimmed := trimHistory(history, 4)
	assert.Equal(t, history, trimmed)
}

func newComposerForValidation() *Composer {
	return New(DefaultConfig(), nil, nil)
}

func TestValidateCitations_AcceptsVerbatimSpan(t *testing.T) {
	c := newComposerForValidation()
	labels := []sourceLabel{
		{ID: "C1", Chunk: ragtypes.Chunk{Content: "The minimum CET1 ratio is 4.5%.", Metadata: ragtypes.ChunkMetadata{DocumentName: "basel.pdf", Page: 12}}, Score: 0.9},
	}
	text := `The rule is clear: ⟨cite id="C1"⟩The minimum CET1 ratio is 4.5%.⟨/cite⟩`

	citations, invalid, avgScore, degraded := c.validateCitations(text, labels)

	require.Len(t, citations, 1)
	assert.Empty(t, invalid)
	assert.False(t, degraded)
	assert.False(t, citations[0].Fuzzy)
	assert.Equal(t, 0.9, avgScore)
}

func TestValidateCitations_RejectsHallucinatedSpan(t *testing.T) {
	c := newComposerForValidation()
	labels := []sourceLabel{
		{ID: "C1", Chunk: ragtypes.Chunk{Content: "The minimum CET1 ratio is 4.5%.", Metadata: ragtypes.ChunkMetadata{DocumentName: "basel.pdf", Page: 12}}, Score: 0.9},
	}
	text := `⟨cite id="C1"⟩The minimum CET1 ratio is 9.9%.⟨/cite⟩`

	citations, invalid, _, degraded := c.validateCitations(text, labels)

	assert.Empty(t, citations)
	require.Len(t, invalid, 1)
	assert.True(t, degraded)
}

func TestValidateCitations_AcceptsFuzzyMatchAboveThreshold(t *testing.T) {
	c := newComposerForValidation()
	labels := []sourceLabel{
		{ID: "C1", Chunk: ragtypes.Chunk{Content: "The minimum CET1 ratio is 4.5 percent under this framework.", Metadata: ragtypes.ChunkMetadata{DocumentName: "basel.pdf", Page: 12}}, Score: 0.9},
	}
	// Minor whitespace/punctuation drift relative to the source passage
	// ("per cent", no final period), so only the fuzzy path can accept it.
	text := `⟨cite id="C1"⟩The minimum CET1 ratio is 4.5 per cent under this framework⟨/cite⟩`

	citations, invalid, _, degraded := c.validateCitations(text, labels)

	require.Len(t, citations, 1)
	assert.True(t, citations[0].Fuzzy)
	assert.Empty(t, invalid)
	assert.False(t, degraded)
}

func TestValidateCitations_UnknownSourceIDIsInvalid(t *testing.T) {
	c := newComposerForValidation()
	text := `⟨cite id="C9"⟩some span⟨/cite⟩`

	citations, invalid, _, degraded := c.validateCitations(text, nil)

	assert.Empty(t, citations)
	require.Len(t, invalid, 1)
	assert.True(t, degraded)
}

func TestSentinelBuffer_NeverSplitsSentinelAcrossFeeds(t *testing.T) {
	buf := &sentinelBuffer{}
	var out string

	out += buf.Feed("plain text then ")
	out += buf.Feed("⟨cite id=\"C1\"")
	out += buf.Feed("⟩cited span⟨/cite⟩ trailing")
	out += buf.Flush()

	assert.Equal(t, `plain text then ⟨cite id="C1"⟩cited span⟨/cite⟩ trailing`, out)
}

func TestLCSRatio_IdenticalStringsScoreOne(t *testing.T) {
	assert.Equal(t, 1.0, lcsRatio("identical", "identical"))
}

func TestLCSRatio_EmptyBothScoreOne(t *testing.T) {
	assert.Equal(t, 1.0, lcsRatio("", ""))
}

func TestLCSRatio_DisjointStringsScoreZero(t *testing.T) {
	assert.Equal(t, 0.0, lcsRatio("abc", "xyz"))
}

func TestNewComposer_NilLoggerFallsBackToStandard(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	assert.NotNil(t, c.logger)
}

func TestValidateCitations_DistinctSpansFromSameSourceBothSurvive(t *testing.T) {
	c := newComposerForValidation()
	labels := []sourceLabel{
		{ID: "C1", Chunk: ragtypes.Chunk{Content: "The minimum CET1 ratio is 4.5%. Tier 1 capital must exceed 6%.", Metadata: ragtypes.ChunkMetadata{DocumentName: "basel.pdf", Page: 12}}, Score: 0.9},
	}
	text := `⟨cite id="C1"⟩The minimum CET1 ratio is 4.5%.⟨/cite⟩ Separately, ⟨cite id="C1"⟩Tier 1 capital must exceed 6%.⟨/cite⟩`

	citations, invalid, _, degraded := c.validateCitations(text, labels)

	require.Len(t, citations, 2)
	assert.Empty(t, invalid)
	assert.False(t, degraded)
}

func TestValidateCitations_RepeatedIdenticalSpanCollapsesToOne(t *testing.T) {
	c := newComposerForValidation()
	labels := []sourceLabel{
		{ID: "C1", Chunk: ragtypes.Chunk{Content: "The minimum CET1 ratio is 4.5%.", Metadata: ragtypes.ChunkMetadata{DocumentName: "basel.pdf", Page: 12}}, Score: 0.9},
	}
	text := `⟨cite id="C1"⟩The minimum CET1 ratio is 4.5%.⟨/cite⟩ As stated, ⟨cite id="C1"⟩The minimum CET1 ratio is 4.5%.⟨/cite⟩`

	citations, invalid, _, degraded := c.validateCitations(text, labels)

	require.Len(t, citations, 1)
	assert.Empty(t, invalid)
	assert.False(t, degraded)
}

func TestValidateCitations_PropagatesDocumentIDForURL(t *testing.T) {
	c := newComposerForValidation()
	docID := uuid.New()
	labels := []sourceLabel{
		{ID: "C1", Chunk: ragtypes.Chunk{DocumentID: docID, Content: "The minimum CET1 ratio is 4.5%.", Metadata: ragtypes.ChunkMetadata{DocumentName: "basel.pdf", Page: 12}}, Score: 0.9},
	}
	text := `⟨cite id="C1"⟩The minimum CET1 ratio is 4.5%.⟨/cite⟩`

	citations, _, _, _ := c.validateCitations(text, labels)

	require.Len(t, citations, 1)
	assert.Equal(t, docID, citations[0].DocumentID)
}

func TestAnswer_CancelledBeforeStreamOpensEmitsNoCitationsMetricsOrDoneEvents(t *testing.T) {
	// Never actually dialed: retry.ExecuteWithRetry checks ctx.Done()
	// before the first attempt, so Stream fails before any request
	// leaves the process.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultConfig(), llm.New(llm.Config{Endpoint: srv.URL}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var kinds []string
	for ev := range c.Answer(ctx, "What is the minimum ratio?", nil, nil, false) {
		kinds = append(kinds, ev.Kind)
	}

	assert.NotContains(t, kinds, "citations")
	assert.NotContains(t, kinds, "metrics")
	assert.NotContains(t, kinds, "done")
}

// TestErrCancelled_SurvivesPumpsWrapping pins down the exact wrapping
// llm.Gateway's pump uses for a mid-stream cancellation
// (fmt.Errorf("%w: %v", ragtypes.ErrCancelled, ctx.Err())), which is what
// run()'s errors.Is(ev.Err, ragtypes.ErrCancelled) branch depends on to
// tell a cancellation apart from a genuine stream truncation.
func TestErrCancelled_SurvivesPumpsWrapping(t *testing.T) {
	wrapped := fmt.Errorf("%w: %v", ragtypes.ErrCancelled, context.Canceled)
	assert.True(t, errors.Is(wrapped, ragtypes.ErrCancelled))
	assert.False(t, errors.Is(fmt.Errorf("%w: boom", ragtypes.ErrLLMStreamTruncated), ragtypes.ErrCancelled))
}

func TestAnswer_ComputesEstimatedCostFromUsageAndConfiguredPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk, _ := json.Marshal(map[string]any{"choices": []map[string]any{{"delta": map[string]any{"content": "no citations here"}}}})
		usage, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{}}},
			"usage":   map[string]any{"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500},
		})
		w.Write([]byte("data: " + string(chunk) + "\n\n"))
		w.Write([]byte("data: " + string(usage) + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.InputPricePer1M = 1.0
	cfg.OutputPricePer1M = 2.0
	c := New(cfg, llm.New(llm.Config{Endpoint: srv.URL}, nil), nil)

	var metrics Metrics
	for ev := range c.Answer(context.Background(), "What is the minimum ratio?", nil, nil, false) {
		if ev.Kind == "metrics" {
			metrics = ev.Metrics
		}
	}

	assert.InDelta(t, 0.001+0.001, metrics.EstimatedCost, 1e-9)
	assert.Equal(t, 1000, metrics.InputTokens)
	assert.Equal(t, 500, metrics.OutputTokens)
}
