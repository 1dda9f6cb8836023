// Package embedding implements the Embedding Gateway (C3): it turns a
// batch of strings into fixed-dimension dense vectors via an external
// model endpoint, per spec.md §4.3.
package embedding

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

// Config configures the gateway's HTTP client and batching behaviour.
type Config struct {
	Endpoint     string
	Model        string
	APIKey       string
	Dimension    int
	Timeout      time.Duration
	MaxBatchSize int
}

// DefaultConfig mirrors the corpus-grounded bge-m3 defaults.
func DefaultConfig() Config {
	return Config{
		Model:        "BAAI/bge-m3",
		Dimension:    1024,
		Timeout:      10 * time.Second,
		MaxBatchSize: 32,
	}
}

// Gateway is the Embedding Gateway. Safe for concurrent use; it holds no
// per-call mutable state (spec.md §5's "shared-resource policy").
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	retryCfg   retry.RetryConfig
	logger     *logrus.Logger
}

// New constructs a Gateway. A nil logger falls back to logrus's standard
// instance.
func New(cfg Config, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCfg:   retry.DefaultRetryConfig(),
		logger:     logger,
	}
}

// Dimension reports D, the fixed system-wide embedding width.
func (g *Gateway) Dimension() int {
	return g.cfg.Dimension
}

// Embed turns a batch of strings into vectors of length Dimension(),
// internally sub-batching when the caller exceeds MaxBatchSize (spec.md
// §4.3).
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.cfg.MaxBatchSize {
		end := start + g.cfg.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (g *Gateway) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(map[string]any{
		"input": texts,
		"model": g.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ragtypes.ErrEmbeddingUnavailable, err)
	}

	var payload []byte
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
		g.logger.WithFields(logrus.Fields{"component": "embedding"}).WithError(err).Warn("embedding request failed after retries")
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrEmbeddingUnavailable, err)
	}
	defer result.Response.Body.Close()

	payload, err = io.ReadAll(result.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ragtypes.ErrEmbeddingUnavailable, err)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ragtypes.ErrEmbeddingUnavailable, err)
	}

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != g.cfg.Dimension {
			return nil, fmt.Errorf("%w: embedding dimension %d != configured %d", ragtypes.ErrEmbeddingUnavailable, len(d.Embedding), g.cfg.Dimension)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
