// Package api is the HTTP surface of zeroveil: scrub and restore endpoints
// for clients that manage their own transport, and an OpenAI-compatible
// chat completions proxy that scrubs prompts, relays them and restores the
// reply.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/free-radical/zeroveil/internal/relay"
	"github.com/free-radical/zeroveil/internal/sanitize"
)

const (
	maxBodyBytes = 8 << 20

	headerScope     = "X-Zeroveil-Scope"
	headerMode      = "X-Zeroveil-Mode"
	headerKeepScope = "X-Zeroveil-Keep-Scope"
	headerTokens    = "X-Zeroveil-Tokens"
)

// Relay is the upstream transport used by the chat proxy.
type Relay interface {
	Do(ctx context.Context, payload []byte) ([]byte, int, error)
	DoStream(ctx context.Context, payload []byte) (*http.Response, error)
	Models(ctx context.Context) ([]json.RawMessage, error)
}

// Options configures a Handler.
type Options struct {
	Mode     sanitize.Mode       // default mode when the request does not choose
	ZDROnly  bool                // added to chat payloads that do not set zdr_only
	Gatherer prometheus.Gatherer // served on /metrics; nil uses the default registry
}

// Handler implements all HTTP endpoints.
type Handler struct {
	engine   *sanitize.Engine
	relay    Relay // nil when no API key is configured
	mode     sanitize.Mode
	zdrOnly  bool
	gatherer prometheus.Gatherer

	mu     sync.RWMutex
	models []json.RawMessage // cached raw model objects from the relay
}

// New creates a Handler. rl may be nil, in which case the chat proxy
// answers 503 and only scrub/restore are served.
func New(engine *sanitize.Engine, rl Relay, opts Options) *Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		engine:   engine,
		relay:    rl,
		mode:     opts.Mode,
		zdrOnly:  opts.ZDROnly,
		gatherer: opts.Gatherer,
	}
}

// Routes returns the chi router with middleware and all routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing())

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scrub", h.scrub)
		r.Post("/restore", h.restore)
		r.Get("/scopes/{id}", h.getScope)
		r.Delete("/scopes/{id}", h.releaseScope)
		r.Get("/models", h.listModels)
		r.Post("/chat/completions", h.chatCompletions)
	})
	return r
}

// ---------- endpoints ----------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_scopes": h.engine.ActiveScopes(),
		"relay":         h.relay != nil,
	})
}

type scrubRequest struct {
	Text    string         `json:"text"`
	Mode    *sanitize.Mode `json:"mode,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Persist bool           `json:"persist,omitempty"`
	TTL     string         `json:"ttl,omitempty"`
}

type scrubResponse struct {
	Text   string               `json:"text"`
	Scope  string               `json:"scope"`
	Tokens []sanitize.TokenInfo `json:"tokens"`
}

func (h *Handler) scrub(w http.ResponseWriter, r *http.Request) {
	var req scrubRequest
	if !decode(w, r, &req) {
		return
	}
	opts := sanitize.ScrubOptions{Mode: h.mode, Scope: req.Scope, Persist: req.Persist}
	if req.Mode != nil {
		opts.Mode = *req.Mode
	}
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeErr(w, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		opts.TTL = d
	}

	res, err := h.engine.Scrub(r.Context(), req.Text, opts)
	if err != nil {
		writeEngineErr(w, "scrub", err)
		return
	}
	tokens := res.Tokens
	if tokens == nil {
		tokens = []sanitize.TokenInfo{}
	}
	writeJSON(w, http.StatusOK, scrubResponse{Text: res.Text, Scope: res.Scope, Tokens: tokens})
}

type restoreRequest struct {
	Text  string `json:"text"`
	Scope string `json:"scope"`
}

type restoreResponse struct {
	Text     string                    `json:"text"`
	Warnings []sanitize.UnmatchedToken `json:"warnings"`
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Scope == "" {
		writeErr(w, http.StatusBadRequest, "scope is required")
		return
	}
	res, err := h.engine.Restore(r.Context(), req.Text, req.Scope)
	if err != nil {
		writeEngineErr(w, "restore", err)
		return
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []sanitize.UnmatchedToken{}
	}
	writeJSON(w, http.StatusOK, restoreResponse{Text: res.Text, Warnings: warnings})
}

func (h *Handler) getScope(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineErr(w, "scope", err)
		return
	}
	resp := map[string]any{
		"scope":      sess.ID(),
		"mode":       sess.Mode(),
		"state":      sess.State().String(),
		"persistent": sess.Persistent(),
		"tokens":     sess.Tokens(),
	}
	if exp := sess.ExpiresAt(); !exp.IsZero() {
		resp["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) releaseScope(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReleaseScope(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineErr(w, "release", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		writeErr(w, http.StatusServiceUnavailable, "relay not configured")
		return
	}
	h.mu.RLock()
	models := h.models
	h.mu.RUnlock()

	if models == nil {
		var err error
		models, err = h.relay.Models(r.Context())
		if err != nil {
			slog.Warn("model load failed", "err", err)
			writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
			return
		}
		h.mu.Lock()
		h.models = models
		h.mu.Unlock()
		slog.Info("models loaded", "count", len(models))
	}
	if models == nil {
		models = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// chatCompletions scrubs every message, relays the request and restores
// the tokens in the reply. The scope is released once the reply has been
// written unless the caller supplied it or asked to keep it.
func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		writeErr(w, http.StatusServiceUnavailable, "relay not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	cr, err := parseChat(body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := sanitize.ScrubOptions{Mode: h.mode, Scope: r.Header.Get(headerScope)}
	if m := r.Header.Get(headerMode); m != "" {
		if opts.Mode, err = sanitize.ParseMode(m); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid "+headerMode)
			return
		}
	}

	scrubbed, scopeID, err := h.engine.ScrubMessages(r.Context(), cr.texts, opts)
	if err != nil {
		writeEngineErr(w, "chat scrub", err)
		return
	}
	keep := opts.Scope != "" || truthy(r.Header.Get(headerKeepScope))
	if !keep {
		defer func() {
			if err := h.engine.ReleaseScope(context.WithoutCancel(r.Context()), scopeID); err != nil {
				slog.Warn("chat: release scope", "scope", scopeID, "err", err)
			}
		}()
	}
	sess, err := h.engine.Session(r.Context(), scopeID)
	if err != nil {
		writeEngineErr(w, "chat scrub", err)
		return
	}

	payload, stream, err := buildPayload(cr, scrubbed, h.zdrOnly)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(headerScope, scopeID)
	w.Header().Set(headerTokens, strconv.Itoa(sess.Len()))
	slog.Info("chat completions", "stream", stream, "messages", len(cr.messages), "tokens", sess.Len(), "scope", scopeID)

	if stream {
		h.streamResponse(w, r, payload, sess)
	} else {
		h.nonStreamResponse(w, r, payload, sess)
	}
}

func (h *Handler) nonStreamResponse(w http.ResponseWriter, r *http.Request, payload []byte, sess *sanitize.Session) {
	respBody, status, err := h.relay.Do(r.Context(), payload)
	if err != nil {
		slog.Error("upstream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}

	restorer := sanitize.NewJSONRestoringReader(bytes.NewReader(respBody), sess)
	restored, err := io.ReadAll(restorer)
	if err != nil {
		writeEngineErr(w, "chat restore", err)
		return
	}
	if n := len(restorer.Warnings()); n > 0 {
		slog.Warn("chat: unmatched tokens in reply", "scope", sess.ID(), "count", n)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(restored)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, payload []byte, sess *sanitize.Session) {
	resp, err := h.relay.DoStream(r.Context(), payload)
	if err != nil {
		slog.Error("upstream stream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("upstream stream status", "code", resp.StatusCode)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(errBody)
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Warn("response writer does not support flushing")
	}

	src := sanitize.NewJSONRestoringReader(resp.Body, sess)
	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Error("client write error", "err", writeErr)
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Error("upstream read error", "err", readErr)
			}
			return
		}
	}
}

// ---------- helpers ----------

// chatRequest is an OpenAI chat request split into the parts the proxy
// rewrites. Every string that reaches the relay as message text has a slot
// and is scrubbed; other fields pass through untouched.
type chatRequest struct {
	fields   map[string]json.RawMessage
	messages []map[string]json.RawMessage
	parts    map[int][]map[string]json.RawMessage // decoded array contents by message
	slots    []textSlot
	texts    []sanitize.Message // one per slot, in slot order
}

// textSlot locates a string content (part < 0) or the text of a content part.
type textSlot struct {
	msg, part int
}

func parseChat(body []byte) (*chatRequest, error) {
	cr := &chatRequest{parts: make(map[int][]map[string]json.RawMessage)}
	if err := json.Unmarshal(body, &cr.fields); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if err := json.Unmarshal(cr.fields["messages"], &cr.messages); err != nil || len(cr.messages) == 0 {
		return nil, errors.New("messages must be a non-empty array")
	}
	for i, m := range cr.messages {
		var role string
		if err := json.Unmarshal(m["role"], &role); err != nil {
			return nil, fmt.Errorf("message %d: role must be a string", i)
		}
		c, ok := m["content"]
		if !ok || string(c) == "null" {
			continue
		}

		var text string
		if err := json.Unmarshal(c, &text); err == nil {
			cr.slots = append(cr.slots, textSlot{msg: i, part: -1})
			cr.texts = append(cr.texts, sanitize.Message{Role: role, Content: text})
			continue
		}

		// Array content (vision / multi-part messages).
		var parts []map[string]json.RawMessage
		if err := json.Unmarshal(c, &parts); err != nil {
			return nil, fmt.Errorf("message %d: content must be a string or an array of parts", i)
		}
		for j, part := range parts {
			raw, ok := part["text"]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, fmt.Errorf("message %d part %d: text must be a string", i, j)
			}
			cr.slots = append(cr.slots, textSlot{msg: i, part: j})
			cr.texts = append(cr.texts, sanitize.Message{Role: role, Content: text})
		}
		cr.parts[i] = parts
	}
	return cr, nil
}

// buildPayload writes the scrubbed texts back into the request and reports
// whether the client asked for a stream.
func buildPayload(cr *chatRequest, scrubbed []sanitize.Message, zdrOnly bool) ([]byte, bool, error) {
	for k, slot := range cr.slots {
		c, err := json.Marshal(scrubbed[k].Content)
		if err != nil {
			return nil, false, fmt.Errorf("encode message %d: %w", slot.msg, err)
		}
		if slot.part < 0 {
			cr.messages[slot.msg]["content"] = c
		} else {
			cr.parts[slot.msg][slot.part]["text"] = c
		}
	}
	for i, parts := range cr.parts {
		c, err := json.Marshal(parts)
		if err != nil {
			return nil, false, fmt.Errorf("encode message %d: %w", i, err)
		}
		cr.messages[i]["content"] = c
	}
	msgs, err := json.Marshal(cr.messages)
	if err != nil {
		return nil, false, fmt.Errorf("encode messages: %w", err)
	}
	req := cr.fields
	req["messages"] = msgs
	if _, ok := req["zdr_only"]; !ok {
		req["zdr_only"] = json.RawMessage(strconv.FormatBool(zdrOnly))
	}

	var stream bool
	if s, ok := req["stream"]; ok {
		_ = json.Unmarshal(s, &stream)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("encode request: %w", err)
	}
	return payload, stream, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// writeEngineErr maps engine errors to status codes. Engine errors carry
// scope IDs, categories and offsets only, so their text is safe to return.
func writeEngineErr(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sanitize.ErrScopeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sanitize.ErrScopeExpired):
		status = http.StatusGone
	case errors.Is(err, sanitize.ErrModeMismatch):
		status = http.StatusConflict
	case errors.Is(err, sanitize.ErrRecognizerUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sanitize.ErrDetector):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		slog.Error("api: "+op+" failed", "err", err)
	}
	writeErr(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ Relay = (*relay.Client)(nil)
