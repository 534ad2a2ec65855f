package sanitize

import (
	"context"
	"regexp"
	"sync"
	"time"
)

type rule struct {
	cat  Category
	re   *regexp.Regexp
	conf float64
}

// ruleDetector is a small regex detector for engine tests.
type ruleDetector []rule

func (d ruleDetector) Detect(ctx context.Context, text string) ([]Span, error) {
	var out []Span
	for _, r := range d {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			out = append(out, Span{Start: loc[0], End: loc[1], Category: r.cat, Confidence: r.conf})
		}
	}
	return out, nil
}

var testDetector = ruleDetector{
	{CategoryEmail, regexp.MustCompile(`[a-z]+@[a-z]+\.[a-z]+`), 1},
	{CategoryPhone, regexp.MustCompile(`\d{3}-\d{3}-\d{4}`), 0.7},
	{CategoryPerson, regexp.MustCompile(`\b(?:Alice|Bob)\b`), 0.85},
	{CategoryLocation, regexp.MustCompile(`\bParis\b`), 0.3},
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
