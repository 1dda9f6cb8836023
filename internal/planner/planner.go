// Package planner implements the Query Planner (C8): it turns a raw
// question into a query vector via Hypothetical Document Expansion
// (HyDE), per spec.md §4.8.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/embedding"
	"github.com/hexabank/ragcore/internal/llm"
)

// hydePromptTemplate is the fixed prompt used to synthesize a hypothetical
// passage that would answer the question, grounded in the regulatory
// domain the system serves.
const hydePromptTemplate = `Write a short hypothetical passage from a compliance or regulatory document that would directly answer the following question. Do not answer the question conversationally; write only the passage itself, as if it were an excerpt from the source document.

Question: %s

Passage:`

const (
	hydeTemperature = 0.7
	hydeMaxTokens   = 250
)

// Plan is the outcome of expanding one question: the text actually
// embedded, the resulting query vector, and whether expansion degraded
// to the raw question.
type Plan struct {
	ExpandedText string
	QueryVector  []float32
	Degraded     bool
}

// Planner pairs an LLM gateway (for expansion) with an embedding gateway
// (to vectorize the result).
type Planner struct {
	llmGW   *llm.Gateway
	embedGW *embedding.Gateway
	logger  *logrus.Logger
}

// New constructs a Planner.
func New(llmGW *llm.Gateway, embedGW *embedding.Gateway, logger *logrus.Logger) *Planner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Planner{llmGW: llmGW, embedGW: embedGW, logger: logger}
}

// Plan expands question via a single HyDE call and embeds the result. On
// expansion failure it falls back to embedding the raw question and sets
// Degraded (spec.md §4.8's fallback contract). The chosen text is
// embedded once; an embedding failure is returned as a hard error, with
// no second attempt on the raw question.
func (p *Planner) Plan(ctx context.Context, question string) (Plan, error) {
	hypothesis, err := p.llmGW.CompleteShort(ctx, fmt.Sprintf(hydePromptTemplate, question), hydeTemperature, hydeMaxTokens)
	degraded := false
	textToEmbed := strings.TrimSpace(hypothesis)

	if err != nil || textToEmbed == "" {
		p.logger.WithFields(logrus.Fields{"component": "planner"}).WithError(err).Warn("hyde expansion failed, falling back to raw question")
		degraded = true
		textToEmbed = question
	}

	vectors, err := p.embedGW.Embed(ctx, []string{textToEmbed})
	if err != nil {
		return Plan{}, err
	}

	return Plan{
		ExpandedText: textToEmbed,
		QueryVector:  vectors[0],
		Degraded:     degraded,
	}, nil
}
