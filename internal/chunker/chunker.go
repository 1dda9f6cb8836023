// Package chunker implements the Chunker (C2): it splits a document's
// extracted text into overlapping semantic chunks along regulatory
// boundaries, per spec.md §4.2.
package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/hexabank/ragcore/internal/extractor"
	"github.com/hexabank/ragcore/internal/ragtypes"
)

// Config holds the chunker's tunables (spec.md §6 env vars).
type Config struct {
	ChunkSizeTokens    int
	ChunkOverlapTokens int
	ChunkMinTokens     int
	ChunkSizeHardCap   int
}

// DefaultConfig mirrors spec.md §4.2's recommended defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSizeTokens:    1200,
		ChunkOverlapTokens: 300,
		ChunkMinTokens:     50,
		ChunkSizeHardCap:   2000,
	}
}

// Chunker splits page-attributed text into prospective chunks.
type Chunker struct {
	cfg Config
}

// New constructs a Chunker with the given configuration.
func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg}
}

// ProspectiveChunk is a chunk candidate before persistence: it carries a
// Metadata with Page/PageExtracted/PhysicalPosition/Section already
// resolved, but no ID, DocumentID, Embedding, or ChunkIndex yet.
type ProspectiveChunk struct {
	Content    string
	TokenCount int
	Metadata   ragtypes.ChunkMetadata
}

// separators descends in semantic strength per spec.md §4.2 step 2.
var separators = []string{
	"\n\n\n", "\nARTICLE ", "\nSection ", "\nChapitre ",
	"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", "",
}

// Chunk runs the full pipeline: page-boundary-aware split, boundary
// cleanup, and section detection. Never fails on valid input; a document
// with no extractable text yields zero chunks (the coordinator reports
// IngestionYieldedNothing).
func (c *Chunker) Chunk(result *extractor.Result) []ProspectiveChunk {
	segments := splitOnPageBoundaries(result.ConcatenatedText)
	recoveredByPosition := make(map[int]int, len(result.Pages))
	for _, p := range result.Pages {
		recoveredByPosition[p.PhysicalPosition] = p.RecoveredPageNumber
	}
	for i := range segments {
		segments[i].recoveredPage = recoveredByPosition[segments[i].physicalPosition]
	}

	var out []ProspectiveChunk
	for _, seg := range segments {
		pieces := c.recursiveSplit(seg.text, separators)
		for _, piece := range pieces {
			piece = strings.TrimSpace(piece)
			piece = cleanupBoundaries(piece)
			if piece == "" {
				continue
			}

			for _, sub := range enforceHardCap(piece, c.cfg.ChunkSizeHardCap) {
				tokens := CountTokens(sub)
				if tokens < c.cfg.ChunkMinTokens {
					continue
				}

				page := seg.recoveredPage
				extracted := page > 0
				if !extracted {
					page = seg.physicalPosition
				}

				out = append(out, ProspectiveChunk{
					Content:    sub,
					TokenCount: tokens,
					Metadata: ragtypes.ChunkMetadata{
						Page:             page,
						PageExtracted:    extracted,
						PhysicalPosition: seg.physicalPosition,
						Section:          detectSection(sub),
					},
				})
			}
		}
	}
	return out
}

// enforceHardCap is the last-resort backstop for spec.md §3/§8's
// "token_count never exceeds chunk_size_hard_cap" invariant: the
// recursive separator-based split above already targets
// ChunkSizeTokens, but overlap replication can push a merged chunk back
// over it. This halves runes until every returned piece is within cap,
// regardless of where that lands relative to word boundaries.
func enforceHardCap(s string, hardCap int) []string {
	if hardCap <= 0 || CountTokens(s) <= hardCap {
		return []string{s}
	}
	runes := []rune(s)
	if len(runes) <= 1 {
		return []string{s}
	}
	mid := len(runes) / 2
	left := enforceHardCap(string(runes[:mid]), hardCap)
	right := enforceHardCap(string(runes[mid:]), hardCap)
	return append(left, right...)
}

type pageSegment struct {
	text             string
	physicalPosition int
	recoveredPage    int
}

// splitOnPageBoundaries undoes the extractor's page-boundary sentinel so
// the chunker can attribute every emitted chunk to the physical page its
// content started on (spec.md §4.2 step 7). Each segment is one page and
// is split on its own, so a chunk never spans a page boundary.
func splitOnPageBoundaries(concatenated string) []pageSegment {
	parts := strings.Split(concatenated, extractor.PageSentinel)
	segments := make([]pageSegment, 0, len(parts))
	for i, part := range parts {
		segments = append(segments, pageSegment{
			text:             part,
			physicalPosition: i + 1,
		})
	}
	return segments
}

// recursiveSplit implements spec.md §4.2 step 2: split on the strongest
// remaining separator, merge the pieces back up to the target size, and
// recurse into any merged piece still over it with the next weaker
// separator. Overlap (step 3) is applied at every level, each time the
// pieces of a separator are merged.
func (c *Chunker) recursiveSplit(text string, seps []string) []string {
	if CountTokens(text) <= c.cfg.ChunkSizeTokens || len(seps) == 0 {
		return []string{text}
	}

	sep := seps[0]
	rest := seps[1:]

	var parts []string
	if sep == "" {
		parts = splitByRunes(text, c.cfg.ChunkSizeTokens)
	} else {
		parts = strings.Split(text, sep)
		if sep != " " {
			for i := 0; i < len(parts)-1; i++ {
				parts[i] += sep
			}
		}
	}

	merged := mergeWithOverlap(parts, c.cfg.ChunkSizeTokens, c.cfg.ChunkOverlapTokens)

	var final []string
	for _, m := range merged {
		if CountTokens(m) > c.cfg.ChunkSizeTokens && len(rest) > 0 {
			final = append(final, c.recursiveSplit(m, rest)...)
		} else {
			final = append(final, m)
		}
	}
	return final
}

// mergeWithOverlap greedily packs consecutive pieces into chunks close to
// targetTokens, replicating the trailing overlapTokens worth of the
// previous chunk into the next one (spec.md §4.2 step 3).
func mergeWithOverlap(parts []string, targetTokens, overlapTokens int) []string {
	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, part := range parts {
		partTokens := CountTokens(part)
		if currentTokens > 0 && currentTokens+partTokens > targetTokens {
			prev := current.String()
			flush()
			current.WriteString(overlapTail(prev, overlapTokens))
			currentTokens = CountTokens(current.String())
		}
		current.WriteString(part)
		currentTokens += partTokens
	}
	flush()
	return chunks
}

// overlapTail returns roughly the trailing overlapTokens tokens of s.
func overlapTail(s string, overlapTokens int) string {
	if overlapTokens <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) <= overlapTokens {
		return s
	}
	return strings.Join(words[len(words)-overlapTokens:], " ") + " "
}

func splitByRunes(text string, targetTokens int) []string {
	runes := []rune(text)
	approxCharsPerToken := 4
	size := targetTokens * approxCharsPerToken
	if size <= 0 {
		size = 1
	}
	var parts []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}

// cleanupBoundaries implements spec.md §4.2 step 5.
func cleanupBoundaries(chunk string) string {
	if chunk == "" {
		return chunk
	}
	runes := []rune(chunk)
	n := len(runes)

	if n > 0 && unicode.IsLower(runes[0]) {
		cut := firstSentenceTerminator(runes, 0, n*3/10)
		if cut >= 0 {
			runes = runes[cut+1:]
			runes = trimLeadingSpace(runes)
		}
	}

	n = len(runes)
	if n > 0 && !endsWithTerminator(runes) {
		cut := lastSentenceTerminator(runes, n*7/10, n)
		if cut >= 0 {
			runes = runes[:cut+1]
		}
	}

	return strings.TrimSpace(string(runes))
}

func firstSentenceTerminator(runes []rune, from, to int) int {
	if to > len(runes) {
		to = len(runes)
	}
	for i := from; i < to; i++ {
		if isTerminator(runes[i]) {
			return i
		}
	}
	return -1
}

func lastSentenceTerminator(runes []rune, from, to int) int {
	if from < 0 {
		from = 0
	}
	if to > len(runes) {
		to = len(runes)
	}
	for i := to - 1; i >= from; i-- {
		if isTerminator(runes[i]) {
			return i
		}
	}
	return -1
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

func endsWithTerminator(runes []rune) bool {
	if len(runes) == 0 {
		return true
	}
	last := runes[len(runes)-1]
	return last == '.' || last == '!' || last == '?' || last == '\n'
}

func trimLeadingSpace(runes []rune) []rune {
	i := 0
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return runes[i:]
}

// Section detection patterns, tried against the first 5 non-empty lines
// per spec.md §4.2 step 6.
var (
	sectionNumeralPattern = regexp.MustCompile(`^[IVXivx\d]+[.)]\s+[A-Z]`)
	sectionDottedPattern  = regexp.MustCompile(`^\d+(\.\d+)*\s+[A-Z]`)
)

var sectionKeywords = []string{
	"ARTICLE", "CHAPITRE", "SECTION", "TITRE", "PARTIE", "ANNEXE",
	"APPENDIX", "INTRODUCTION", "CONCLUSION", "DÉFINITIONS",
	"DEFINITIONS", "GLOSSAIRE", "GLOSSARY",
}

func detectSection(chunk string) string {
	lines := nonEmptyLines(chunk, 5)
	for _, line := range lines {
		if sectionNumeralPattern.MatchString(line) {
			return truncate(line, 150)
		}
		upper := strings.ToUpper(line)
		for _, kw := range sectionKeywords {
			if strings.Contains(upper, kw) {
				return truncate(line, 150)
			}
		}
		if sectionDottedPattern.MatchString(line) {
			return truncate(line, 150)
		}
		if isAllCapsHeading(line) {
			return truncate(line, 150)
		}
	}
	return ""
}

func isAllCapsHeading(line string) bool {
	if len([]rune(line)) < 10 || strings.HasSuffix(line, ".") {
		return false
	}
	hasLetter := false
	for _, r := range line {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}

func nonEmptyLines(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
