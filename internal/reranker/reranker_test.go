package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable_FalseWithoutEndpoint(t *testing.T) {
	gw := New(Config{}, nil)
	assert.False(t, gw.Available())
}

func TestRerank_ReturnsRawScoresInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Pairs [][2]string `json:"pairs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		scores := make([]float64, len(req.Pairs))
		for i := range req.Pairs {
			scores[i] = float64(i) - 1.5
		}
		json.NewEncoder(w).Encode(map[string]any{"scores": scores})
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL}, nil)
	scores, err := gw.Rerank(context.Background(), "question", []string{"a", "b", "c"})

	require.NoError(t, err)
	assert.Equal(t, []float64{-1.5, -0.5, 0.5}, scores)
}

func TestRerank_EmptyPassagesReturnsNil(t *testing.T) {
	gw := New(Config{Endpoint: "http://unused"}, nil)
	scores, err := gw.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, scores)
}

func TestRerank_NoEndpointFails(t *testing.T) {
	gw := New(Config{}, nil)
	_, err := gw.Rerank(context.Background(), "q", []string{"a"})
	assert.Error(t, err)
}

func TestRerank_CountMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"scores": []float64{0.1}})
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL}, nil)
	_, err := gw.Rerank(context.Background(), "q", []string{"a", "b"})
	assert.Error(t, err)
}
