package sanitize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Category names the kind of sensitive value a span covers. Values are
// normalised upper-case identifiers so they can be embedded in tokens.
type Category string

// Built-in categories. Names follow the Presidio entity types so results
// from an external recognizer line up with the rule-based detector.
const (
	CategoryCreditCard Category = "CREDIT_CARD"
	CategoryIBAN       Category = "IBAN_CODE"
	CategorySSN        Category = "US_SSN"
	CategoryPassport   Category = "US_PASSPORT"
	CategoryEmail      Category = "EMAIL_ADDRESS"
	CategoryPhone      Category = "PHONE_NUMBER"
	CategoryIPAddress  Category = "IP_ADDRESS"
	CategoryURL        Category = "URL"
	CategoryAPIKey     Category = "API_KEY"
	CategoryPerson     Category = "PERSON"
	CategoryLocation   Category = "LOCATION"
)

// maxCategoryLen bounds the category part of a token.
const maxCategoryLen = 32

// NormalizeCategory upper-cases s and replaces every byte outside
// [A-Z0-9_] with '_'. An empty result becomes "UNKNOWN".
func NormalizeCategory(s string) Category {
	s = strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s) && b.Len() < maxCategoryLen; i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "UNKNOWN"
	}
	return Category(out)
}

// Span describes a sensitive substring detected within a text.
type Span struct {
	Start      int      // byte offset of the first character (UTF-8)
	End        int      // byte offset one past the last character
	Category   Category // e.g. EMAIL_ADDRESS, PERSON
	Confidence float64  // in [0,1]; 1.0 for rule-based detectors
}

// Len returns the byte length of the span.
func (s Span) Len() int { return s.End - s.Start }

// Text returns the substring of text covered by the span. The span must
// already be validated against text.
func (s Span) Text(text string) string { return text[s.Start:s.End] }

func (s Span) overlaps(o Span) bool { return s.Start < o.End && o.Start < s.End }

// Detector finds candidate sensitive spans in a text.
// Implementations must be safe for concurrent use and should honour ctx
// cancellation; they must not retain text after returning.
type Detector interface {
	Detect(ctx context.Context, text string) ([]Span, error)
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(ctx context.Context, text string) ([]Span, error)

// Detect calls f(ctx, text).
func (f DetectorFunc) Detect(ctx context.Context, text string) ([]Span, error) {
	return f(ctx, text)
}

// detectorBudget is the maximum time we wait for all detectors to finish.
// Set high enough to cover a small LLM running on CPU.
const detectorBudget = 120 * time.Second

// MultiDetector runs several detectors concurrently on the same text and
// merges their candidates. Any failing detector fails the whole call:
// a scrub must never proceed with partial coverage.
type MultiDetector struct {
	detectors []Detector
	budget    time.Duration
}

// NewMultiDetector combines detectors, in order, into one Detector.
func NewMultiDetector(detectors ...Detector) *MultiDetector {
	return &MultiDetector{detectors: detectors, budget: detectorBudget}
}

// Len returns the number of wrapped detectors.
func (m *MultiDetector) Len() int { return len(m.detectors) }

// Detect implements Detector.
func (m *MultiDetector) Detect(ctx context.Context, text string) ([]Span, error) {
	switch len(m.detectors) {
	case 0:
		return nil, nil
	case 1:
		return m.detectors[0].Detect(ctx, text)
	}

	ctx, cancel := context.WithTimeout(ctx, m.budget)
	defer cancel()

	type result struct {
		idx   int
		spans []Span
		err   error
	}
	ch := make(chan result, len(m.detectors))
	for i, d := range m.detectors {
		go func(i int, d Detector) {
			spans, err := d.Detect(ctx, text)
			ch <- result{idx: i, spans: spans, err: err}
		}(i, d)
	}

	// Collect by index so the merged order does not depend on scheduling.
	perDetector := make([][]Span, len(m.detectors))
	for range m.detectors {
		select {
		case r := <-ch:
			if r.err != nil {
				slog.Warn("sanitize: detector error", "detector", r.idx, "err", r.err)
				return nil, fmt.Errorf("detector %d: %w", r.idx, r.err)
			}
			perDetector[r.idx] = r.spans
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: detector budget exceeded: %w", ErrRecognizerUnavailable, ctx.Err())
		}
	}

	var all []Span
	for _, spans := range perDetector {
		all = append(all, spans...)
	}
	return all, nil
}
