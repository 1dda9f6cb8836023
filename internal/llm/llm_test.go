package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteShort_ReturnsFirstChoiceContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "a hypothetical passage"}}},
		})
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL, Model: "test-model"}, nil)
	text, err := gw.CompleteShort(context.Background(), "prompt", 0.7, 250)

	require.NoError(t, err)
	assert.Equal(t, "a hypothetical passage", text)
}

func TestCompleteShort_EmptyChoicesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{}})
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL}, nil)
	_, err := gw.CompleteShort(context.Background(), "prompt", 0.7, 250)
	assert.Error(t, err)
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		fmt.Fprintf(bw, "data: %s\n\n", l)
	}
	bw.Flush()
}

func TestStream_EmitsTokensThenUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk1, _ := json.Marshal(map[string]any{"choices": []map[string]any{{"delta": map[string]any{"content": "Hello"}}}})
		chunk2, _ := json.Marshal(map[string]any{"choices": []map[string]any{{"delta": map[string]any{"content": " world"}}}, "usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}})
		writeSSE(w, string(chunk1), string(chunk2), "[DONE]")
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL}, nil)
	ch, err := gw.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, 0.3, 100)
	require.NoError(t, err)

	var tokens string
	var usage *Usage
	for ev := range ch {
		require.NoError(t, ev.Err)
		if ev.Usage != nil {
			usage = ev.Usage
			continue
		}
		tokens += ev.Token
	}

	assert.Equal(t, "Hello world", tokens)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.TotalTokens)
}

func TestStream_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL}, nil)
	gw.retryCfg.MaxRetries = 0
	_, err := gw.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, 0.3, 100)
	assert.Error(t, err)
}

func TestJoinMessages_OrdersSystemHistoryThenUser(t *testing.T) {
	history := []Message{{Role: "user", Content: "earlier question"}, {Role: "assistant", Content: "earlier answer"}}
	messages := JoinMessages("system policy", history, "new question")

	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "earlier question", messages[1].Content)
	assert.Equal(t, "earlier answer", messages[2].Content)
	assert.Equal(t, "new question", messages[3].Content)
	assert.Equal(t, "user", messages[3].Role)
}
