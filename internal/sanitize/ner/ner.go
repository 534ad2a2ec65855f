// Package ner provides a Detector that calls an NER sidecar over HTTP.
// An unreachable sidecar fails the scrub with ErrRecognizerUnavailable
// rather than letting names through unredacted.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/free-radical/zeroveil/internal/sanitize"
)

// DefaultConfidence is used when the sidecar does not report a score.
const DefaultConfidence = 0.85

// labels maps common NER tag sets onto detector categories. Unlisted
// labels are normalised and passed through.
var labels = map[string]sanitize.Category{
	"PER":    sanitize.CategoryPerson,
	"PERSON": sanitize.CategoryPerson,
	"LOC":    sanitize.CategoryLocation,
	"GPE":    sanitize.CategoryLocation,
	"FAC":    sanitize.CategoryLocation,
}

// Client calls the NER sidecar's /classify endpoint.
type Client struct {
	url  string
	http *http.Client
}

// New creates a NER Client pointing at the given base URL
// (e.g. "http://sanitize-ner:8001").
func New(baseURL string) *Client {
	return &Client{
		url: strings.TrimRight(baseURL, "/") + "/classify",
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

// Detect sends text to the NER sidecar and returns candidate spans.
// It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Warn("sanitize-ner: sidecar unreachable", "err", err)
		return nil, fmt.Errorf("ner: %w: %w", sanitize.ErrRecognizerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		slog.Warn("sanitize-ner: unexpected status", "code", resp.StatusCode)
		return nil, fmt.Errorf("ner: %w: status %d", sanitize.ErrRecognizerUnavailable, resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	spans := make([]sanitize.Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		conf := DefaultConfidence
		if s.Score != nil {
			conf = *s.Score
		}
		spans = append(spans, sanitize.Span{
			Start:      s.Start,
			End:        s.End,
			Category:   category(s.Label),
			Confidence: conf,
		})
	}
	slog.Debug("sanitize-ner: classified", "spans", len(spans))
	return spans, nil
}

func category(label string) sanitize.Category {
	if c, ok := labels[strings.ToUpper(label)]; ok {
		return c
	}
	return sanitize.NormalizeCategory(label)
}
