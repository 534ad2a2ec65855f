// Package relay is the transport to the zeroveil relay, an OpenAI-compatible
// chat completions endpoint that routes scrubbed prompts to providers.
// Callers must scrub prompts before handing them to the relay.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/free-radical/zeroveil/internal/metrics"
	"github.com/free-radical/zeroveil/internal/sanitize"
)

// DefaultEndpoint is the public relay.
const DefaultEndpoint = "https://api.zeroveil.io/v1"

var (
	// ErrNoAPIKey is returned by New when no API key is configured.
	ErrNoAPIKey = errors.New("relay: API key required; set ZEROVEIL_API_KEY")
	// ErrEmptyResponse reports a completion without choices.
	ErrEmptyResponse = errors.New("relay: empty response from API")
)

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Code int
	Body string // truncated
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: upstream %d: %s", e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	Endpoints  []string      // relay base URLs; one is picked per attempt
	APIKey     string        // bearer token
	Timeout    time.Duration // per attempt; default 60s
	MaxRetries int           // attempts in total; default 3
	Backoff    time.Duration // first retry delay, doubled per attempt; default 1s
	ZDROnly    bool          // route only to zero-data-retention providers
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
}

// Client talks to the relay with bearer-authenticated requests. Each attempt
// goes to a random endpoint not yet tried by the same call.
type Client struct {
	endpoints  []string
	apiKey     string
	maxRetries int
	backoff    time.Duration
	zdrOnly    bool
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	http *http.Client
}

// New creates a relay Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	var eps []string
	for _, ep := range cfg.Endpoints {
		if ep = strings.TrimRight(strings.TrimSpace(ep), "/"); ep != "" {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		eps = []string{DefaultEndpoint}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("zeroveil/internal/relay")
	}
	return &Client{
		endpoints:  eps,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		zdrOnly:    cfg.ZDROnly,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// SendOptions controls a single completion request.
type SendOptions struct {
	SystemPrompt string
	Model        string // empty lets the relay choose
	ZDROnly      *bool  // overrides Config.ZDROnly
}

// Usage is the token accounting reported by the relay.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed chat turn.
type Response struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
	Model   string `json:"model,omitempty"`
}

type chatRequest struct {
	Messages []sanitize.Message `json:"messages"`
	ZDROnly  bool               `json:"zdr_only"`
	Model    string             `json:"model,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Model string `json:"model"`
}

// Send sends a single user prompt, preceded by an optional system prompt.
func (c *Client) Send(ctx context.Context, prompt string, opts SendOptions) (*Response, error) {
	var msgs []sanitize.Message
	if opts.SystemPrompt != "" {
		msgs = append(msgs, sanitize.Message{Role: "system", Content: opts.SystemPrompt})
	}
	msgs = append(msgs, sanitize.Message{Role: "user", Content: prompt})
	return c.SendMessages(ctx, msgs, opts)
}

// SendMessages sends a message list. opts.SystemPrompt is ignored.
func (c *Client) SendMessages(ctx context.Context, msgs []sanitize.Message, opts SendOptions) (*Response, error) {
	zdr := c.zdrOnly
	if opts.ZDROnly != nil {
		zdr = *opts.ZDROnly
	}
	payload, err := json.Marshal(chatRequest{Messages: msgs, ZDROnly: zdr, Model: opts.Model})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal: %w", err)
	}

	body, status, err := c.Do(ctx, payload)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, &StatusError{Code: status, Body: truncate(body)}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("relay: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{Content: out.Choices[0].Message.Content, Usage: out.Usage, Model: out.Model}, nil
}

// Forward sends already scrubbed text to model and returns the reply text.
func (c *Client) Forward(ctx context.Context, scrubbed, model string) (string, error) {
	resp, err := c.Send(ctx, scrubbed, SendOptions{Model: model})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Do posts a raw chat completions payload and returns the response body and
// status. Network failures and 5xx answers are retried with exponential
// backoff on a different endpoint each time; 4xx answers are returned as is.
func (c *Client) Do(ctx context.Context, payload []byte) ([]byte, int, error) {
	ctx, span := c.tracer.Start(ctx, "relay.chat_completions", trace.WithAttributes(
		attribute.Int("relay.payload_len", len(payload)),
	))
	defer span.End()
	start := time.Now()

	var (
		lastErr error
		tried   = map[string]bool{}
	)
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff<<(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		ep := c.pickEndpointExcluding(tried)
		tried[ep] = true

		resp, err := c.post(ctx, c.http, ep, payload)
		if err != nil {
			slog.Warn("relay: request failed, retrying with different endpoint", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("relay: read body: %w", err)
			continue
		}
		if resp.StatusCode >= 500 && attempt < c.maxRetries-1 {
			slog.Warn("relay: upstream error, retrying", "attempt", attempt+1, "status", resp.StatusCode)
			lastErr = &StatusError{Code: resp.StatusCode, Body: truncate(b)}
			continue
		}
		c.metrics.ObserveRelay(statusLabel(resp.StatusCode), time.Since(start).Seconds())
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return b, resp.StatusCode, nil
	}
	c.metrics.ObserveRelay("error", time.Since(start).Seconds())
	span.RecordError(lastErr)
	return nil, 0, fmt.Errorf("relay: %d attempts failed: %w", c.maxRetries, lastErr)
}

// DoStream posts a streaming payload and returns the raw response. Only
// connection failures are retried. The caller must close resp.Body.
func (c *Client) DoStream(ctx context.Context, payload []byte) (*http.Response, error) {
	// No overall timeout: streaming responses can run for a long time.
	streamClient := &http.Client{Transport: c.http.Transport}

	var (
		lastErr error
		tried   = map[string]bool{}
	)
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		ep := c.pickEndpointExcluding(tried)
		tried[ep] = true
		resp, err := c.post(ctx, streamClient, ep, payload)
		if err != nil {
			slog.Warn("relay: stream request failed, retrying with different endpoint", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("relay: %d attempts failed: %w", c.maxRetries, lastErr)
}

// Models returns the raw model list of the first endpoint that answers.
func (c *Client) Models(ctx context.Context) ([]json.RawMessage, error) {
	ep := c.pickEndpointExcluding(nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("relay: models: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	var result struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("relay: decode models: %w", err)
	}
	return result.Data, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, ep string, payload []byte) (*http.Response, error) {
	url := ep + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	slog.Debug("relay request", "url", url, "bytes", len(payload))
	return hc.Do(req)
}

// pickEndpointExcluding returns a random endpoint not in the excluded set,
// or any endpoint once all have been tried.
func (c *Client) pickEndpointExcluding(exclude map[string]bool) string {
	var candidates []string
	for _, ep := range c.endpoints {
		if !exclude[ep] {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		candidates = c.endpoints
	}
	return candidates[rand.IntN(len(candidates))]
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusLabel(code int) string {
	switch {
	case code < 300:
		return "ok"
	case code < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

// truncate keeps error bodies short. The relay only ever sees scrubbed
// text, so its error bodies carry no original values.
func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
