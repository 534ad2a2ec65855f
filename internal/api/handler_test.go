package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free-radical/zeroveil/internal/metrics"
	"github.com/free-radical/zeroveil/internal/relay"
	"github.com/free-radical/zeroveil/internal/sanitize"
	"github.com/free-radical/zeroveil/internal/sanitize/rules"
)

const email = "alice@example.com"

type fixture struct {
	engine  *sanitize.Engine
	handler http.Handler
}

func newFixture(t *testing.T, upstream http.Handler) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	eng := sanitize.New(sanitize.Config{Detector: rules.MustNew(), Metrics: metrics.New(reg)})
	t.Cleanup(eng.Close)

	var rl Relay
	if upstream != nil {
		up := httptest.NewServer(upstream)
		t.Cleanup(up.Close)
		c, err := relay.New(relay.Config{Endpoints: []string{up.URL}, APIKey: "test-key", MaxRetries: 1})
		require.NoError(t, err)
		rl = c
	}
	h := New(eng, rl, Options{ZDROnly: true, Gatherer: reg})
	return &fixture{engine: eng, handler: h.Routes()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, false, got["relay"])
}

func TestScrubRestoreRelease(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": "mail " + email + " now"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	scrubbed := decodeBody[scrubResponse](t, rec)
	assert.Equal(t, "mail «EMAIL_ADDRESS_000001» now", scrubbed.Text)
	require.Len(t, scrubbed.Tokens, 1)
	assert.NotContains(t, rec.Body.String(), email)

	rec = f.do(t, http.MethodPost, "/v1/restore", map[string]any{"text": "ok «EMAIL_ADDRESS_000001» «PERSON_000002»", "scope": scrubbed.Scope})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	restored := decodeBody[restoreResponse](t, rec)
	assert.Equal(t, "ok "+email+" «PERSON_000002»", restored.Text)
	require.Len(t, restored.Warnings, 1)
	assert.Equal(t, "«PERSON_000002»", restored.Warnings[0].Token)

	rec = f.do(t, http.MethodGet, "/v1/scopes/"+scrubbed.Scope, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "active", info["state"])
	assert.Equal(t, "deterministic", info["mode"])

	rec = f.do(t, http.MethodDelete, "/v1/scopes/"+scrubbed.Scope, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/restore", map[string]any{"text": scrubbed.Text, "scope": scrubbed.Scope})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.NotContains(t, rec.Body.String(), email)
}

func TestScrubErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/scrub", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": "x", "ttl": "-1s"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": "x", "scope": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": email})
	first := decodeBody[scrubResponse](t, rec)
	rec = f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": email, "scope": first.Scope, "mode": "nondeterministic"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/restore", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/scopes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScrubAppendsToScope(t *testing.T) {
	f := newFixture(t, nil)

	first := decodeBody[scrubResponse](t, f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": email}))
	second := decodeBody[scrubResponse](t, f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": "again " + email + " and bob@example.org", "scope": first.Scope}))

	assert.Equal(t, first.Scope, second.Scope)
	assert.Equal(t, "again «EMAIL_ADDRESS_000001» and «EMAIL_ADDRESS_000002»", second.Text)
}

func chatUpstream(t *testing.T, hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req struct {
			Messages []sanitize.Message `json:"messages"`
			ZDROnly  bool               `json:"zdr_only"`
			Stream   bool               `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.ZDROnly)
		for _, m := range req.Messages {
			assert.NotContains(t, m.Content, email)
		}

		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"Reply to «EMAIL_ADDRESS_000001»"}}]}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Reply to «EMAIL_`)
		fl.Flush()
		fmt.Fprint(w, "ADDRESS_000001»\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}
}

func chatBody(stream bool) map[string]any {
	return map[string]any{
		"model":  "m",
		"stream": stream,
		"messages": []map[string]any{
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "write to " + email},
		},
	}
}

func TestChatCompletions(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, chatUpstream(t, &hits))

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "1", rec.Header().Get(headerTokens))

	var resp struct {
		Choices []struct {
			Message sanitize.Message `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Reply to "+email, resp.Choices[0].Message.Content)

	// The scope is released once the reply is written.
	assert.Equal(t, 0, f.engine.ActiveScopes())
	rec = f.do(t, http.MethodGet, "/v1/scopes/"+rec.Header().Get(headerScope), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestChatCompletionsKeepScope(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, chatUpstream(t, &hits))

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody(false), headerKeepScope, "true")
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(headerScope)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodPost, "/v1/restore", map[string]any{"text": "«EMAIL_ADDRESS_000001»", "scope": id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, email, decodeBody[restoreResponse](t, rec).Text)
}

func TestChatCompletionsStream(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, chatUpstream(t, &hits))

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody(true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"Reply to `+email+`"`)
	assert.NotContains(t, body, "«EMAIL_ADDRESS_000001»")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, 0, f.engine.ActiveScopes())
}

func TestChatCompletionsContentParts(t *testing.T) {
	const image = "https://img.example/cat.png"
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content []map[string]any `json:"content"`
			} `json:"messages"`
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(body), email)
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Messages, 1)

		parts := req.Messages[0].Content
		require.Len(t, parts, 3)
		assert.Equal(t, "write to «EMAIL_ADDRESS_000001»", parts[0]["text"])
		assert.Equal(t, map[string]any{"url": image}, parts[1]["image_url"])
		assert.Equal(t, "cc «EMAIL_ADDRESS_000001»", parts[2]["text"])

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Sent to «EMAIL_ADDRESS_000001»"}}]}`)
	}))

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": "write to " + email},
				{"type": "image_url", "image_url": map[string]string{"url": image}},
				{"type": "text", "text": "cc " + email},
			},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get(headerTokens))
	assert.Contains(t, rec.Body.String(), "Sent to "+email)
	assert.Equal(t, 0, f.engine.ActiveScopes())
}

func TestChatCompletionsRejects(t *testing.T) {
	var hits atomic.Int32

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody(false))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f = newFixture(t, chatUpstream(t, &hits))
	badPart := map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": []map[string]any{{"type": "text", "text": 42}}},
		},
	}
	rec = f.do(t, http.MethodPost, "/v1/chat/completions", badPart)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "text must be a string")

	rec = f.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": 42}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{"messages": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/chat/completions", chatBody(false), headerMode, "sometimes")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0, f.engine.ActiveScopes())
}

func TestModelsCached(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"object":"list","data":[{"id":"small"},{"id":"large"}]}`)
	}))

	for range 2 {
		rec := f.do(t, http.MethodGet, "/v1/models", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeBody[struct {
			Data []map[string]string `json:"data"`
		}](t, rec)
		require.Len(t, got.Data, 2)
		assert.Equal(t, "small", got.Data[0]["id"])
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/scrub", map[string]any{"text": email})

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `zeroveil_sanitize_scrub_total{mode="deterministic",status="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `zeroveil_sanitize_spans_total{category="EMAIL_ADDRESS"} 1`)
}
