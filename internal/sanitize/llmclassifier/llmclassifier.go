// Package llmclassifier provides a Detector that uses a local
// OpenAI-compatible LLM (e.g. Ollama with qwen3:4b) to detect sensitive
// spans that regexes and NER cannot catch, such as free-form credentials.
//
// We ask the model to return the sensitive strings verbatim rather than byte
// offsets, because small models get offsets wrong. Go code locates all
// occurrences in the original text itself.
package llmclassifier

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

const systemPrompt = `Extract sensitive data from the text. Return a JSON array of objects {"value": "<exact string>", "category": "<CATEGORY>"}. Return [] if nothing sensitive found.

Categories:
- API_KEY: API keys, tokens, passwords and secrets (sk-..., ghp_..., Bearer ...)
- EMAIL_ADDRESS, PHONE_NUMBER
- PERSON: full person names with first and last name
- CREDIT_CARD, IBAN_CODE: card and bank account numbers
- LOCATION: street addresses

Do NOT flag: placeholders like «EMAIL_ADDRESS_000001», city names alone, common words, dates, regular numbers.

Return ONLY the JSON array. No explanation.

Examples:
Input: "my api key is sk-abc123xyz789"
Output: [{"value": "sk-abc123xyz789", "category": "API_KEY"}]

Input: "call me at +79997899900, John Smith"
Output: [{"value": "+79997899900", "category": "PHONE_NUMBER"}, {"value": "John Smith", "category": "PERSON"}]

Input: "how are you?"
Output: []`

// DefaultCategory labels values the model returned as bare strings.
const DefaultCategory sanitize.Category = "SENSITIVE"

// Classifier calls a local LLM to detect semantically sensitive values.
type Classifier struct {
	url        string
	model      string
	confidence float64
	http       *http.Client
}

// New creates a Classifier.
// baseURL is the Ollama (or any OpenAI-compatible) server, e.g. "http://ollama:11434".
// confidence is the score given to every span the model reports.
func New(baseURL, model string, confidence float64) *Classifier {
	if confidence <= 0 || confidence > 1 {
		confidence = 0.8
	}
	return &Classifier{
		url:        strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		model:      model,
		confidence: confidence,
		http: &http.Client{
			Timeout: 125 * time.Second,
		},
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// Hint to disable chain-of-thought thinking (Qwen3 and some others support this).
	// stripThinkBlock handles models that ignore it.
	Think bool `json:"think"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`         // Qwen3 via Ollama
			ReasoningContent string `json:"reasoning_content"` // Qwen3 direct API
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// finding is one value reported by the model. It decodes from either a
// bare string or a {"value","category"} object.
type finding struct {
	Value    string `json:"value"`
	Category string `json:"category"`
}

func (f *finding) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &f.Value)
	}
	type plain finding
	return json.Unmarshal(b, (*plain)(f))
}

// Detect sends text to the LLM and returns candidate spans.
// It is safe for concurrent use.
func (c *Classifier) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	slog.Debug("llmclassifier: classifying", "url", c.url, "model", c.model, "text_len", len(text))

	reqBody := openAIRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			// /no_think is Qwen3's control token to skip thinking and go straight to the answer.
			{Role: "user", Content: "Text to classify:\n" + text + "\n/no_think"},
		},
		Temperature: 0,
		MaxTokens:   10000,
		Think:       false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Warn("llmclassifier: LLM unreachable", "err", err)
		return nil, fmt.Errorf("llmclassifier: %w: %w", sanitize.ErrRecognizerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		slog.Warn("llmclassifier: unexpected status", "code", resp.StatusCode)
		return nil, fmt.Errorf("llmclassifier: %w: status %d", sanitize.ErrRecognizerUnavailable, resp.StatusCode)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("llmclassifier: decode response: %w: %w", sanitize.ErrDetector, err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("llmclassifier: %w: response has no choices", sanitize.ErrDetector)
	}

	choice := oaiResp.Choices[0]
	if choice.FinishReason == "length" {
		slog.Warn("llmclassifier: response truncated by token limit, increase MaxTokens or shorten prompt")
	}

	// Qwen3 via Ollama puts thinking in "reasoning" and the answer in "content".
	// If content is empty the model ran out of tokens before answering; fall
	// back to the reasoning field and dig the JSON array out of it.
	raw := strings.TrimSpace(choice.Message.Content)
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.Reasoning)
		if raw == "" {
			raw = strings.TrimSpace(choice.Message.ReasoningContent)
		}
	}

	content := stripThinkBlock(raw)
	content = stripCodeFence(content)
	if !strings.HasPrefix(content, "[") {
		content = extractJSONArray(content)
	}

	var findings []finding
	if err := json.Unmarshal([]byte(content), &findings); err != nil {
		// The model output may echo the input, so it is never logged.
		return nil, fmt.Errorf("llmclassifier: %w: unparseable model output (%d bytes)", sanitize.ErrDetector, len(content))
	}

	spans := c.locate(text, findings)
	if len(spans) > 0 {
		slog.Debug("llmclassifier: detected sensitive spans", "count", len(spans), "values", len(findings))
	}
	return spans, nil
}

// locate finds every whole-word occurrence of each finding in text.
func (c *Classifier) locate(text string, findings []finding) []sanitize.Span {
	var spans []sanitize.Span
	for _, f := range findings {
		val := strings.TrimSpace(f.Value)
		if val == "" || sanitize.TokenPattern.MatchString(val) {
			continue
		}
		cat := DefaultCategory
		if strings.TrimSpace(f.Category) != "" {
			cat = sanitize.NormalizeCategory(f.Category)
		}
		start := 0
		for {
			idx := strings.Index(text[start:], val)
			if idx < 0 {
				break
			}
			abs := start + idx
			end := abs + len(val)
			start = end
			if isInsideToken(text, abs, end) {
				continue
			}
			spans = append(spans, sanitize.Span{
				Start:      abs,
				End:        end,
				Category:   cat,
				Confidence: c.confidence,
			})
		}
	}
	return spans
}

// isInsideToken reports whether span [start,end) sits inside a larger word.
// For example "sd@yandex.ru" inside "asd@yandex.ru" would return true.
func isInsideToken(text string, start, end int) bool {
	if start > 0 && !isBoundary(text[start-1]) {
		return true
	}
	if end < len(text) && !isBoundary(text[end]) {
		return true
	}
	return false
}

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '<', '>', ',', ';', '(', ')', '[', ']', '{', '}', '"', '\'', '`', '.', ':', '!', '?':
		return true
	}
	return false
}

// extractJSONArray finds the first [...] substring in s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "]")
	if end < start {
		return s
	}
	return s[start : end+1]
}

// stripThinkBlock removes Qwen3's <think>...</think> block that appears before
// the actual answer when thinking mode is active.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		// Unclosed block - drop everything from <think> onwards.
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` or ``` ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
