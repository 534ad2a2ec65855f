package sanitize

import (
	"fmt"
	"strings"
)

// Rewrite replaces each resolved span of text with the token at the same
// index and copies every other byte unchanged. spans must be sorted and
// non-overlapping, as produced by Resolver.Resolve.
//
// The output length is checked against len(text) - Σspan + Σtoken; a
// mismatch is an internal bug and is reported as *ConsistencyError.
func Rewrite(text string, spans []Span, tokens []string) (string, error) {
	if len(spans) != len(tokens) {
		return "", fmt.Errorf("%w: %d spans but %d tokens", ErrConsistency, len(spans), len(tokens))
	}
	if len(spans) == 0 {
		return text, nil
	}

	want := len(text)
	for i, sp := range spans {
		want += len(tokens[i]) - sp.Len()
	}

	var b strings.Builder
	b.Grow(want)
	last := 0
	for i, sp := range spans {
		if sp.Start < last {
			return "", fmt.Errorf("%w: span %d starts at %d before previous end %d", ErrConsistency, i, sp.Start, last)
		}
		b.WriteString(text[last:sp.Start])
		b.WriteString(tokens[i])
		last = sp.End
	}
	b.WriteString(text[last:])

	out := b.String()
	if len(out) != want {
		return "", &ConsistencyError{Want: want, Got: len(out), Spans: len(spans)}
	}
	return out, nil
}
