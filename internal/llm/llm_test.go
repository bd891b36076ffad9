package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tagrouter/cli/internal/errors"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"intent\":\"SQL\"}\n```", `{"intent":"SQL"}`},
		{"prose around", `Sure! {"x":{"y":"}"}} done`, `{"x":{"y":"}"}}`},
		{"escaped quote", `{"s":"a\"}b"}`, `{"s":"a\"}b"}`},
		{"none", "no json here", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestHashingEmbedder(t *testing.T) {
	h := NewHashing(384)
	vs, err := h.Embed(context.Background(), []string{
		"how many orders were placed last month",
		"How many orders were placed last month?",
		"what is our refund policy",
	})
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Len(t, vs[0], 384)
	assert.InDelta(t, 1.0, Cosine(vs[0], vs[1]), 1e-6)
	assert.Less(t, Cosine(vs[0], vs[2]), 0.5)
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"how", "many", "order", "placed", "last", "month"},
		Tokens("How many orders were placed last month?"))
	assert.Equal(t, []string{"refund", "policy"}, Tokens("what is our refund policy"))
	assert.Equal(t, []string{"address"}, Tokens("address"))
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func TestOpenAIGenerateRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "slow down", "type": "rate_limit"}})
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse("  hello  "))
	}))
	defer srv.Close()

	o := NewOpenAI(Options{APIKey: "k", BaseURL: srv.URL, MaxRetries: 2, Backoff: time.Millisecond})
	out, err := o.Generate(context.Background(), "hi", Constraints{System: "be brief", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIGenerateSurfacesUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := NewOpenAI(Options{BaseURL: srv.URL, MaxRetries: 1, Backoff: time.Millisecond})
	_, err := o.Generate(context.Background(), "hi", Constraints{})
	require.Error(t, err)
	assert.Equal(t, errs.UpstreamUnavailable, errs.KindOf(err))
}

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "emb",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	o := NewOpenAI(Options{BaseURL: srv.URL})
	vs, err := o.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vs)
}
