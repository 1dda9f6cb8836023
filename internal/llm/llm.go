// Package llm implements the LLM Gateway (C5): it streams completion
// tokens from an external chat model given a prompt, and answers short
// synchronous prompts used for query expansion, per spec.md §4.5.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/ragtypes"
	"github.com/hexabank/ragcore/internal/retry"
)

// Message is one turn in a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures the gateway's HTTP client against an OpenAI-compatible
// chat-completions endpoint (the corpus's original implementation targets
// OpenAI directly; the teacher's provider abstraction targets Claude — both
// speak a chat-messages-in, token-stream-out shape this gateway generalizes).
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// DefaultConfig mirrors the original corpus's pinned chat model.
func DefaultConfig() Config {
	return Config{
		Model:   "gpt-4o-mini",
		Timeout: 120 * time.Second,
	}
}

// Gateway is the LLM Gateway.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	retryCfg   retry.RetryConfig
	logger     *logrus.Logger
}

// New constructs a Gateway.
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

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Usage reports token accounting for a completed call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// CompleteShort answers a single synchronous prompt; used by the Query
// Planner for HyDE expansion (spec.md §4.8).
func (g *Gateway) CompleteShort(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model:       g.cfg.Model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ragtypes.ErrLLMUnavailable, err)
	}

	result, err := retry.ExecuteWithRetry(ctx, g.retryCfg, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		return g.httpClient.Do(req)
	})
	if err != nil {
		g.logger.WithFields(logrus.Fields{"component": "llm"}).WithError(err).Warn("completion request failed after retries")
		return "", fmt.Errorf("%w: %v", ragtypes.ErrLLMUnavailable, err)
	}
	defer result.Response.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(result.Response.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ragtypes.ErrLLMUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ragtypes.ErrLLMUnavailable)
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamEvent is one item of the lazy token sequence from Stream.
type StreamEvent struct {
	Token string
	Usage *Usage // non-nil only on the final event
	Err   error  // non-nil terminates the sequence; caller checks errors.Is(Err, ragtypes.ErrLLMStreamTruncated)
}

// Stream returns a channel carrying completion tokens as they arrive.
// The sequence is finite and non-restartable; the caller reads until the
// channel closes. Cancelling ctx terminates the upstream connection at the
// next suspension point (spec.md §4.5, §5).
func (g *Gateway) Stream(ctx context.Context, messages []Message, temperature float64, maxTokens int) (<-chan StreamEvent, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ragtypes.ErrLLMUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrLLMUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	result, err := retry.ExecuteWithRetry(ctx, g.retryCfg, func() (*http.Response, error) {
		return g.httpClient.Do(req.Clone(ctx))
	})
	if err != nil {
		g.logger.WithFields(logrus.Fields{"component": "llm"}).WithError(err).Warn("stream open failed after retries")
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrLLMUnavailable, err)
	}
	if result.Response.StatusCode != http.StatusOK {
		result.Response.Body.Close()
		return nil, fmt.Errorf("%w: status %s", ragtypes.ErrLLMUnavailable, result.Response.Status)
	}

	ch := make(chan StreamEvent)
	go g.pump(ctx, result.Response, ch)
	return ch, nil
}

// sseStreamChunk mirrors an OpenAI-style streaming delta frame.
type sseStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// pump reads Server-Sent Event frames off resp.Body and forwards tokens to
// ch, closing ch when the stream is exhausted, the upstream signals
// completion, or ctx is cancelled. Grounded on the teacher's
// CompleteStream goroutine-plus-bufio-line-scanning idiom, generalized to
// check ctx.Done() at every suspension point per spec.md §5's
// cancellation contract.
func (g *Gateway) pump(ctx context.Context, resp *http.Response, ch chan StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var usage *Usage

	for {
		select {
		case <-ctx.Done():
			ch <- StreamEvent{Err: fmt.Errorf("%w: %v", ragtypes.ErrCancelled, ctx.Err())}
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				// Clean EOF with no trailing partial line: normal end of stream.
				break
			}
			ch <- StreamEvent{Err: fmt.Errorf("%w: %v", ragtypes.ErrLLMStreamTruncated, err)}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if string(payload) == "[DONE]" {
			break
		}

		var chunk sseStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			g.logger.WithFields(logrus.Fields{"component": "llm"}).WithError(err).Warn("skipping malformed stream frame")
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				ch <- StreamEvent{Token: choice.Delta.Content}
			}
		}
	}

	ch <- StreamEvent{Usage: usage}
}

// JoinMessages renders a system prompt plus trimmed history plus a user
// turn into the Messages slice Stream expects. history is assumed
// already trimmed to K turns by the caller (spec.md §4.10).
func JoinMessages(systemPrompt string, history []Message, userTurn string) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userTurn})
	return messages
}
