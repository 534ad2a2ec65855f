package sanitize

import (
	"sort"
	"unicode/utf8"
)

// DefaultPriority ranks categories for confidence and length ties:
// financial identifiers first, then government IDs, contact details,
// network identifiers, credentials, names and places.
var DefaultPriority = []Category{
	CategoryCreditCard,
	CategoryIBAN,
	CategorySSN,
	CategoryPassport,
	CategoryEmail,
	CategoryPhone,
	CategoryIPAddress,
	CategoryURL,
	CategoryAPIKey,
	CategoryPerson,
	CategoryLocation,
}

// Resolver turns an unordered set of candidate spans into a sorted,
// non-overlapping set. It is immutable after construction and safe for
// concurrent use.
type Resolver struct {
	rank map[Category]int
}

// NewResolver creates a Resolver with the given category priority, highest
// first. Categories not listed rank after all listed ones, ordered by name.
// A nil priority uses DefaultPriority.
func NewResolver(priority []Category) *Resolver {
	if priority == nil {
		priority = DefaultPriority
	}
	rank := make(map[Category]int, len(priority))
	for i, c := range priority {
		if _, dup := rank[c]; !dup {
			rank[c] = i
		}
	}
	return &Resolver{rank: rank}
}

// Resolve validates candidates against text and returns the resolved set
// sorted by start offset. Candidates overlapping a token already present in
// text are discarded. An invalid candidate fails the whole call with a
// *ViolationError; nothing is silently repaired.
func (r *Resolver) Resolve(text string, candidates []Span) ([]Span, error) {
	for i, sp := range candidates {
		if err := validateSpan(text, i, sp); err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	existing := TokenPattern.FindAllStringIndex(text, -1)
	spans := make([]Span, 0, len(candidates))
	for _, sp := range candidates {
		if overlapsAny(sp, existing) {
			continue
		}
		spans = append(spans, sp)
	}

	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return r.less(a.Category, b.Category)
	})

	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if len(out) == 0 {
			out = append(out, sp)
			continue
		}
		cur := &out[len(out)-1]
		if sp.Start >= cur.End {
			out = append(out, sp)
			continue
		}
		if r.beats(sp, *cur) {
			*cur = sp
		}
	}
	return out, nil
}

// beats reports whether a wins an overlap conflict against b. The order is
// total: confidence, then length, then category rank, then earlier start.
func (r *Resolver) beats(a, b Span) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	if a.Category != b.Category {
		return r.less(a.Category, b.Category)
	}
	return a.Start < b.Start
}

// less orders categories by rank; unranked categories sort last by name.
func (r *Resolver) less(a, b Category) bool {
	ra, okA := r.rank[a]
	rb, okB := r.rank[b]
	switch {
	case okA && okB:
		return ra < rb
	case okA:
		return true
	case okB:
		return false
	default:
		return a < b
	}
}

func validateSpan(text string, idx int, sp Span) error {
	bad := func(reason string) error {
		return &ViolationError{Index: idx, Start: sp.Start, End: sp.End, Category: sp.Category, Reason: reason}
	}
	switch {
	case sp.Start < 0:
		return bad("negative start")
	case sp.End > len(text):
		return bad("end beyond text")
	case sp.Start >= sp.End:
		return bad("empty or inverted span")
	case !isRuneBoundary(text, sp.Start) || !isRuneBoundary(text, sp.End):
		return bad("offset splits a UTF-8 sequence")
	case sp.Confidence < 0 || sp.Confidence > 1:
		return bad("confidence outside [0,1]")
	}
	return nil
}

func overlapsAny(sp Span, ranges [][]int) bool {
	for _, rg := range ranges {
		if sp.Start < rg[1] && rg[0] < sp.End {
			return true
		}
	}
	return false
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return utf8.RuneStart(s[i])
}
