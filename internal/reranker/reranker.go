// Package reranker implements the Reranker Gateway (C4): it scores
// (query, passage) pairs via an external cross-encoder model, per
// spec.md §4.4. Normalization to [0,1] is the retriever's responsibility,
// not the gateway's — this package returns raw, unbounded-sign scores.
package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/ragtypes"
	"github.com/hexabank/ragcore/internal/retry"
)

// Config configures the cross-encoder HTTP endpoint.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// DefaultConfig mirrors the corpus-grounded cross-encoder model pinned by
// the original implementation.
func DefaultConfig() Config {
	return Config{
		Model:   "cross-encoder/ms-marco-MiniLM-L-6-v2",
		Timeout: 15 * time.Second,
	}
}

// Gateway is the Reranker Gateway.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	retryCfg   retry.RetryConfig
	logger     *logrus.Logger
}

// New constructs a Gateway. An empty Endpoint means the reranker is not
// configured; callers should check Available() and fall back per
// spec.md §4.4's degraded-mode contract rather than calling Rerank.
func New(cfg Config, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCfg:   retry.DefaultRetryConfig(),
		logger:     logger,
	}
}

// Available reports whether an endpoint is configured.
func (g *Gateway) Available() bool {
	return g.cfg.Endpoint != ""
}

// Rerank scores query against each passage, returning raw scores in the
// same order. Fails with RerankerUnavailable after retries exhaust; the
// retriever is expected to fall back to cosine similarity on error
// rather than abort (spec.md §4.4).
func (g *Gateway) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	if !g.Available() {
		return nil, fmt.Errorf("%w: no endpoint configured", ragtypes.ErrRerankerUnavailable)
	}

	pairs := make([][2]string, len(passages))
	for i, p := range passages {
		pairs[i] = [2]string{query, p}
	}

	reqBody, err := json.Marshal(map[string]any{
		"model": g.cfg.Model,
		"pairs": pairs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ragtypes.ErrRerankerUnavailable, err)
	}

	result, err := retry.ExecuteWithRetry(ctx, g.retryCfg, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, strings.NewReader(string(reqBody)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		}
		return g.httpClient.Do(req)
	})
	if err != nil {
		g.logger.WithFields(logrus.Fields{"component": "reranker"}).WithError(err).Warn("rerank request failed after retries")
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrRerankerUnavailable, err)
	}
	defer result.Response.Body.Close()

	body, err := io.ReadAll(result.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ragtypes.ErrRerankerUnavailable, err)
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ragtypes.ErrRerankerUnavailable, err)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, fmt.Errorf("%w: got %d scores for %d passages", ragtypes.ErrRerankerUnavailable, len(parsed.Scores), len(passages))
	}
	return parsed.Scores, nil
}
