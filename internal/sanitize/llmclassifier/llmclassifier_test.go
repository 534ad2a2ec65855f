package llmclassifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free-radical/zeroveil/internal/sanitize"
)

func llmServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen3:4b", req.Model)
		require.Len(t, req.Messages, 2)

		resp := map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"content": content},
				"finish_reason": "stop",
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestDetectLocatesEveryOccurrence(t *testing.T) {
	srv := llmServer(t, "<think>hmm</think>\n```json\n"+
		`[{"value":"sk-abc123xyz789","category":"api key"},"John Smith"]`+"\n```")
	defer srv.Close()

	text := "key sk-abc123xyz789, again sk-abc123xyz789. John Smith wrote it"
	spans, err := New(srv.URL, "qwen3:4b", 0.7).Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	for _, sp := range spans[:2] {
		assert.Equal(t, "sk-abc123xyz789", sp.Text(text))
		assert.Equal(t, sanitize.CategoryAPIKey, sp.Category)
		assert.Equal(t, 0.7, sp.Confidence)
	}
	assert.Equal(t, "John Smith", spans[2].Text(text))
	assert.Equal(t, DefaultCategory, spans[2].Category)
}

func TestDetectSkipsPartialWordsAndTokens(t *testing.T) {
	srv := llmServer(t, `["sd@yandex.ru", "«EMAIL_ADDRESS_000001»"]`)
	defer srv.Close()

	text := "mail asd@yandex.ru or «EMAIL_ADDRESS_000001»"
	spans, err := New(srv.URL, "qwen3:4b", 0).Detect(context.Background(), text)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestDetectUnparseableOutputIsDetectorError(t *testing.T) {
	srv := llmServer(t, "I cannot help with that")
	defer srv.Close()

	_, err := New(srv.URL, "qwen3:4b", 0.8).Detect(context.Background(), "hello")
	assert.ErrorIs(t, err, sanitize.ErrDetector)
	assert.NotErrorIs(t, err, sanitize.ErrRecognizerUnavailable)
}

func TestDetectUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "qwen3:4b", 0.8).Detect(context.Background(), "hello")
	assert.ErrorIs(t, err, sanitize.ErrRecognizerUnavailable)
}

func TestStripHelpers(t *testing.T) {
	assert.Equal(t, "[]", stripThinkBlock("<think>reasoning</think>[]"))
	assert.Equal(t, "", stripThinkBlock("<think>never closed"))
	assert.Equal(t, `["a"]`, stripCodeFence("```json\n[\"a\"]\n```"))
	assert.Equal(t, `["x"]`, extractJSONArray(`Sure: ["x"] done`))
}
