// Package composer implements the Answer Composer (C10): it assembles
// the grounded prompt, streams generation via the LLM Gateway, validates
// citations against the retrieved passages, and emits a structured,
// ordered event sequence, per spec.md §4.10.
package composer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/llm"
	"github.com/hexabank/ragcore/internal/ragtypes"
)

// systemPrompt is the fixed policy instructing the model to ground
// answers in supplied passages and mark cited spans with the sentinel
// form.
const systemPrompt = `You are a compliance assistant answering questions strictly from the regulatory passages supplied below. Cite every factual claim by wrapping the exact verbatim span from its source passage as ⟨cite id="C<i>"⟩verbatim span⟨/cite⟩, where C<i> matches the source label of the passage it came from. Never invent a citation id that was not given to you. For complex questions spanning multiple mechanisms, use 6-10 citations across an 800-1200 word answer; for simple questions, use 2-4 citations across a 300-500 word answer. Answer only from the supplied passages; say so plainly if they do not contain the answer.`

// Config holds the composer's tunables (spec.md §6 env vars).
type Config struct {
	FuzzyAccept         float64
	StrictCitations     bool
	HistoryTurns        int
	Temperature         float64
	MaxTokens           int
	InputPricePer1M     float64
	OutputPricePer1M    float64
}

// DefaultConfig mirrors spec.md §4.10's defaults.
func DefaultConfig() Config {
	return Config{
		FuzzyAccept:      0.90,
		StrictCitations:  false,
		HistoryTurns:     4,
		Temperature:      0.3,
		MaxTokens:        2000,
		InputPricePer1M:  0.15,
		OutputPricePer1M: 0.60,
	}
}

// Composer is the Answer Composer.
type Composer struct {
	cfg    Config
	llmGW  *llm.Gateway
	logger *logrus.Logger
}

// New constructs a Composer.
func New(cfg Config, llmGW *llm.Gateway, logger *logrus.Logger) *Composer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Composer{cfg: cfg, llmGW: llmGW, logger: logger}
}

// Event is one tagged record of the composer's output stream (spec.md
// §4.10's "tagged sum" requirement).
type Event struct {
	Kind string // "text" | "citations" | "metrics" | "done" | "error"

	Text           string
	Citations      []Citation
	InvalidCitations []string
	Metrics        Metrics
	ErrorMessage   string
}

// Citation is one validated cited passage, ready for the HTTP layer's
// Citation DTO.
type Citation struct {
	ID           string
	TextExcerpt  string
	DocumentName string
	DocumentID   uuid.UUID
	Page         int
	Section      string
	Fuzzy        bool
}

// Metrics is the final accounting for a completed (or degraded)
// response.
type Metrics struct {
	InputTokens           int
	OutputTokens          int
	EstimatedCost         float64
	CitationsCount        int
	AverageNormalizedScore float64
	LatencyMS             int64
	Degraded              bool
}

// sourceLabel pairs a retrieved chunk with its per-response citation id.
type sourceLabel struct {
	ID    string
	Chunk ragtypes.Chunk
	Score float64
}

// citeClose delimits the end of a citation span in the streamed text.
const citeClose = "⟨/cite⟩"

var citeRegexp = regexp.MustCompile(`⟨cite id="(C\d+)"⟩(.*?)⟨/cite⟩`)

// buildContext renders each retrieved chunk as the spec's fixed block
// and assigns it a per-response source label.
func buildContext(chunks []ragtypes.ScoredChunk) (string, []sourceLabel) {
	var sb strings.Builder
	labels := make([]sourceLabel, len(chunks))
	for i, sc := range chunks {
		id := "C" + strconv.Itoa(i+1)
		labels[i] = sourceLabel{ID: id, Chunk: sc.Chunk, Score: sc.Score}

		section := ""
		if sc.Chunk.Metadata.Section != "" {
			section = ", section " + sc.Chunk.Metadata.Section
		}
		fmt.Fprintf(&sb, "Source %s: [%s, p.%d%s]\n%s\n\n",
			id, sc.Chunk.Metadata.DocumentName, sc.Chunk.Metadata.Page, section, sc.Chunk.Content)
	}
	return sb.String(), labels
}

// Answer runs the full state machine: prompt assembly, streaming, and
// post-stream citation/metrics emission. The returned channel is a
// finite, non-restartable lazy sequence; the caller drains it to
// completion or cancels ctx.
func (c *Composer) Answer(ctx context.Context, question string, history []llm.Message, chunks []ragtypes.ScoredChunk, retrievalDegraded bool) <-chan Event {
	out := make(chan Event)
	go c.run(ctx, question, history, chunks, retrievalDegraded, out)
	return out
}

func (c *Composer) run(ctx context.Context, question string, history []llm.Message, chunks []ragtypes.ScoredChunk, retrievalDegraded bool, out chan Event) {
	defer close(out)
	start := time.Now()

	contextBlock, labels := buildContext(chunks)
	trimmedHistory := trimHistory(history, c.cfg.HistoryTurns)

	userTurn := contextBlock + "\nQuestion: " + question
	messages := llm.JoinMessages(systemPrompt, trimmedHistory, userTurn)

	stream, err := c.llmGW.Stream(ctx, messages, c.cfg.Temperature, c.cfg.MaxTokens)
	if err != nil {
		out <- Event{Kind: "error", ErrorMessage: err.Error()}
		return
	}

	var fullText strings.Builder
	degraded := retrievalDegraded
	var usage *llm.Usage

	buf := &sentinelBuffer{}
	for ev := range stream {
		if ev.Err != nil {
			if errors.Is(ev.Err, ragtypes.ErrCancelled) {
				// The caller already walked away; spec.md §5 and §8
				// scenario 6 require silence after cancellation, not a
				// truncated citations/metrics/done tail.
				return
			}
			degraded = true
			break
		}
		if ev.Usage != nil {
			usage = ev.Usage
			continue
		}
		if ev.Token == "" {
			continue
		}
		fullText.WriteString(ev.Token)
		if flushed := buf.Feed(ev.Token); flushed != "" {
			out <- Event{Kind: "text", Text: flushed}
		}
	}
	if tail := buf.Flush(); tail != "" {
		out <- Event{Kind: "text", Text: tail}
	}

	citations, invalid, avgScore, citationsDegraded := c.validateCitations(fullText.String(), labels)
	if citationsDegraded && c.cfg.StrictCitations {
		degraded = true
	}

	out <- Event{Kind: "citations", Citations: citations, InvalidCitations: invalid}

	metrics := Metrics{
		CitationsCount:        len(citations),
		AverageNormalizedScore: avgScore,
		LatencyMS:             time.Since(start).Milliseconds(),
		Degraded:              degraded,
	}
	if usage != nil {
		metrics.InputTokens = usage.InputTokens
		metrics.OutputTokens = usage.OutputTokens
		metrics.EstimatedCost = float64(usage.InputTokens)*c.cfg.InputPricePer1M/1e6 +
			float64(usage.OutputTokens)*c.cfg.OutputPricePer1M/1e6
	}
	out <- Event{Kind: "metrics", Metrics: metrics}
	out <- Event{Kind: "done"}
}

// trimHistory keeps only the last K turns, per spec.md §4.10.
func trimHistory(history []llm.Message, k int) []llm.Message {
	if k <= 0 || len(history) <= k {
		return history
	}
	return history[len(history)-k:]
}

// validateCitations extracts every cite span from text and validates each
// one independently against the passage its id claims to come from, per
// spec.md §4.10's exact-then-fuzzy order. A source id may be cited more
// than once - quoting several distinct spans from the same passage is
// normal in a multi-mechanism answer - so spans are only collapsed when
// the (id, span) pair is a verbatim repeat, never merely on a repeated id.
func (c *Composer) validateCitations(text string, labels []sourceLabel) (citations []Citation, invalid []string, avgScore float64, degraded bool) {
	byID := map[string]sourceLabel{}
	for _, l := range labels {
		byID[l.ID] = l
	}

	seen := map[string]bool{}
	var scoreSum float64
	matches := citeRegexp.FindAllStringSubmatch(text, -1)

	for _, m := range matches {
		id, span := m[1], m[2]
		label, ok := byID[id]
		if !ok {
			invalid = append(invalid, span)
			degraded = true
			continue
		}

		trimmedSpan := strings.TrimSpace(span)
		dedupeKey := id + "\x00" + trimmedSpan
		if seen[dedupeKey] {
			continue
		}

		fuzzy := false
		accepted := strings.Contains(label.Chunk.Content, trimmedSpan)
		if !accepted {
			ratio := bestWindowRatio(trimmedSpan, label.Chunk.Content)
			if ratio >= c.cfg.FuzzyAccept {
				accepted = true
				fuzzy = true
			}
		}

		if !accepted {
			invalid = append(invalid, span)
			degraded = true
			continue
		}

		seen[dedupeKey] = true
		scoreSum += label.Score
		citations = append(citations, Citation{
			ID:           id,
			TextExcerpt:  trimmedSpan,
			DocumentName: label.Chunk.Metadata.DocumentName,
			DocumentID:   label.Chunk.DocumentID,
			Page:         label.Chunk.Metadata.Page,
			Section:      label.Chunk.Metadata.Section,
			Fuzzy:        fuzzy,
		})
	}

	sort.Slice(citations, func(i, j int) bool {
		if citations[i].ID != citations[j].ID {
			return citations[i].ID < citations[j].ID
		}
		return citations[i].TextExcerpt < citations[j].TextExcerpt
	})

	if len(citations) > 0 {
		avgScore = scoreSum / float64(len(citations))
	}
	return citations, invalid, avgScore, degraded
}

// bestWindowRatio computes the longest-common-subsequence ratio between
// span and the best-matching substring window of passage, as a
// dependency-free approximation of SequenceMatcher.ratio.
func bestWindowRatio(span, passage string) float64 {
	if span == "" || passage == "" {
		return 0
	}
	spanRunes := []rune(span)
	passageRunes := []rune(passage)
	windowLen := len(spanRunes)
	if windowLen > len(passageRunes) {
		windowLen = len(passageRunes)
	}

	best := 0.0
	step := windowLen / 4
	if step < 1 {
		step = 1
	}
	for start := 0; start+windowLen <= len(passageRunes); start += step {
		window := string(passageRunes[start : start+windowLen])
		ratio := lcsRatio(span, window)
		if ratio > best {
			best = ratio
		}
	}
	// Always also try the full passage in case the best match spans a
	// wider window than spanRunes alone would probe.
	if ratio := lcsRatio(span, passage); ratio > best {
		best = ratio
	}
	return best
}

// lcsRatio is 2*M/T where M is the longest-common-subsequence length and
// T is the combined length of both strings, matching SequenceMatcher's
// ratio definition.
func lcsRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	m := lcsLength(ra, rb)
	return 2 * float64(m) / float64(len(ra)+len(rb))
}

func lcsLength(a, b []rune) int {
	n, m := len(a), len(b)
	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[m]
}

// sentinelBuffer withholds trailing bytes that might be the start of a
// citation sentinel until they either complete or are ruled out, so a
// sentinel is never split across two emitted text events (spec.md
// §4.10's streaming buffering requirement).
type sentinelBuffer struct {
	pending strings.Builder
}

// openMarker begins either sentinel form the buffer must not split.
// openTagFixedPrefix is the literal, non-varying head of the open tag;
// everything after it up to the closing quote is the variable source id.
const (
	openMarker        = "⟨"
	openTagFixedPrefix = `⟨cite id="`
)

var (
	openTagCompletePattern = regexp.MustCompile(`^` + regexp.QuoteMeta(openTagFixedPrefix) + `[^"⟩]*"⟩$`)
	openTagBodyPattern     = regexp.MustCompile(`^` + regexp.QuoteMeta(openTagFixedPrefix) + `[^"⟩]*"?$`)
)

// Feed appends token and returns the portion of the accumulated buffer
// that is safe to emit immediately: everything up to (and not including)
// any trailing substring that could still grow into a complete open or
// close sentinel tag. A substring is held back only while it remains a
// strict, incomplete prefix of one of the two fixed tag shapes; once it
// either completes or is ruled out by a mismatching character, it is
// released in full.
func (b *sentinelBuffer) Feed(token string) string {
	b.pending.WriteString(token)
	s := b.pending.String()
	b.pending.Reset()

	idx := strings.LastIndex(s, openMarker)
	if idx == -1 {
		return s
	}

	tail := s[idx:]
	if tail == citeClose || openTagCompletePattern.MatchString(tail) {
		return s
	}
	if isIncompleteTagPrefix(tail) {
		b.pending.WriteString(tail)
		return s[:idx]
	}
	return s
}

func (b *sentinelBuffer) Flush() string {
	s := b.pending.String()
	b.pending.Reset()
	return s
}

// isIncompleteTagPrefix reports whether tail is a strict, not-yet-complete
// prefix of either "⟨cite id="<id>"⟩" or "⟨/cite⟩".
func isIncompleteTagPrefix(tail string) bool {
	if len(tail) <= len(citeClose) && strings.HasPrefix(citeClose, tail) {
		return true
	}
	if len(tail) <= len(openTagFixedPrefix) && strings.HasPrefix(openTagFixedPrefix, tail) {
		return true
	}
	return openTagBodyPattern.MatchString(tail)
}
