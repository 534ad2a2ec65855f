// Package rules is a regex Detector. Patterns come from an embedded
// Presidio-style recognizer file and may be overridden from disk. Card
// numbers and IBANs must pass their checksum; other matches are scored and
// boosted when a context word appears nearby.
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/free-radical/zeroveil/internal/sanitize"
)

const (
	// DefaultMinScore drops weak matches such as bare nine-digit numbers.
	DefaultMinScore = 0.5
	// ContextBoost is added to a match score when a context word is near.
	ContextBoost = 0.35
	// ContextWindow is the number of bytes searched on each side of a match.
	ContextWindow = 100
)

// Detector finds spans with compiled regex patterns. It is safe for
// concurrent use.
type Detector struct {
	patterns []pattern
	minScore float64
}

// Option configures a Detector.
type Option func(*options)

type options struct {
	file     string
	entities []sanitize.Category
	minScore float64
}

// WithRecognizerFile layers the recognizers in path over the defaults.
func WithRecognizerFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithEntities restricts detection to the listed categories.
func WithEntities(cats ...sanitize.Category) Option {
	return func(o *options) { o.entities = cats }
}

// WithMinScore overrides DefaultMinScore.
func WithMinScore(score float64) Option {
	return func(o *options) { o.minScore = score }
}

// New builds a Detector from the embedded recognizers plus any options.
func New(opts ...Option) (*Detector, error) {
	o := options{minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(&o)
	}

	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	layers := [][]RecognizerConfig{defaults}
	if o.file != "" {
		rf, err := LoadRecognizerFile(o.file)
		if err != nil {
			return nil, err
		}
		layers = append(layers, rf.Recognizers)
	}

	var enabled map[sanitize.Category]bool
	if len(o.entities) > 0 {
		enabled = make(map[sanitize.Category]bool, len(o.entities))
		for _, c := range o.entities {
			enabled[sanitize.NormalizeCategory(string(c))] = true
		}
	}
	patterns, err := compile(mergeRecognizers(layers...), enabled)
	if err != nil {
		return nil, err
	}
	return &Detector{patterns: patterns, minScore: o.minScore}, nil
}

// MustNew is like New but panics on error. The embedded defaults always
// compile, so MustNew() with no options is safe at startup.
func MustNew(opts ...Option) *Detector {
	d, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("rules.New: %v", err))
	}
	return d
}

// Detect implements sanitize.Detector.
func (d *Detector) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	var spans []sanitize.Span
	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 || start >= end {
				continue
			}
			value := text[start:end]
			if p.validate != nil && !p.validate(value) {
				continue
			}
			score := withContext(text, start, end, p.score, p.context)
			if score < d.minScore {
				continue
			}
			spans = append(spans, sanitize.Span{Start: start, End: end, Category: p.category, Confidence: score})
		}
	}
	return spans, nil
}

// withContext raises score by ContextBoost when any context word appears
// within ContextWindow bytes of the match, capped at 1.
func withContext(text string, start, end int, score float64, words []string) float64 {
	if len(words) == 0 {
		return score
	}
	lo := max(start-ContextWindow, 0)
	hi := min(end+ContextWindow, len(text))
	window := strings.ToLower(text[lo:start] + " " + text[end:hi])
	for _, w := range words {
		if strings.Contains(window, strings.ToLower(w)) {
			return min(score+ContextBoost, 1)
		}
	}
	return score
}
