package sanitize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Token delimiters. « and » rarely occur in natural text next to an
// upper-case identifier, so a match is taken to be one of ours.
const (
	tokenOpen  = "«"
	tokenClose = "»"
)

// TokenPattern matches placeholder tokens in both formats:
//
//	«EMAIL_ADDRESS_000001»            deterministic
//	«EMAIL_ADDRESS_000001_9f2c4a1b»   non-deterministic
var TokenPattern = regexp.MustCompile(`«[A-Z0-9_]{1,32}_\d{6,}(?:_[0-9a-f]{8})?»`)

// maxTokenLen is an upper bound on the byte length of any token we emit
// (delimiters, category, separator, 20-digit sequence, random tag).
const maxTokenLen = len(tokenOpen) + maxCategoryLen + 1 + 20 + 9 + len(tokenClose)

// TokenInfo describes an allocated token without its original value.
type TokenInfo struct {
	Token    string   `json:"token"`
	Category Category `json:"category"`
	Seq      uint64   `json:"seq"`
}

// UnmatchedToken is a token-shaped substring with no entry in the mapping.
type UnmatchedToken struct {
	Token  string `json:"token"`
	Offset int    `json:"offset"`
}

type entry struct {
	category Category
	value    []byte
	seq      uint64
}

// TokenMap holds the bidirectional mapping for one scope.
// The forward and reverse maps are only ever mutated together inside
// assign, so token → value is always a function. Original values are kept
// as byte slices so Zeroize can overwrite them.
//
// TokenMap does no locking of its own; the owning Session serialises
// writers and lets readers share.
type TokenMap struct {
	mode      Mode
	key       []byte              // per-scope HMAC key for forward lookups
	toToken   map[string]string   // hmac(category, value) → token; deterministic mode only
	fromToken map[string]*entry   // token → original
	seq       map[Category]uint64 // last sequence number per category
	order     []string            // tokens in allocation order
	reserved  map[string]struct{} // foreign tokens seen in scrubbed input; never allocated
	zeroed    bool
}

func newTokenMap(mode Mode) (*TokenMap, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("sanitize: token map key: %w", err)
	}
	return &TokenMap{
		mode:      mode,
		key:       key,
		toToken:   make(map[string]string),
		fromToken: make(map[string]*entry),
		seq:       make(map[Category]uint64),
		reserved:  make(map[string]struct{}),
	}, nil
}

// Mode returns the mode the mapping was created in.
func (m *TokenMap) Mode() Mode { return m.mode }

// assign returns the token for value under category, allocating a new one
// when needed. In deterministic mode an existing token for the same
// (category, value) is reused; otherwise every call allocates.
func (m *TokenMap) assign(category Category, value string) (string, error) {
	if m.zeroed {
		return "", fmt.Errorf("%w: assign on released mapping", ErrConsistency)
	}
	var fk string
	if m.mode == ModeDeterministic {
		fk = m.forwardKey(category, value)
		if tok, ok := m.toToken[fk]; ok {
			return tok, nil
		}
	}

	var (
		seq = m.seq[category]
		tok string
		err error
	)
	for {
		seq++
		if tok, err = formatToken(category, seq, m.mode); err != nil {
			return "", err
		}
		if _, foreign := m.reserved[tok]; !foreign {
			break
		}
	}
	if _, taken := m.fromToken[tok]; taken {
		return "", fmt.Errorf("%w: token %s allocated twice", ErrConsistency, tok)
	}

	m.seq[category] = seq
	m.fromToken[tok] = &entry{category: category, value: []byte(value), seq: seq}
	m.order = append(m.order, tok)
	if fk != "" {
		m.toToken[fk] = tok
	}
	return tok, nil
}

// reserve records the token-shaped substrings of text that this mapping
// did not allocate. They stay in scrubbed output as they are, so assign
// must never hand out the same string for a different value.
func (m *TokenMap) reserve(text string) {
	for _, tok := range TokenPattern.FindAllString(text, -1) {
		if _, ours := m.fromToken[tok]; !ours {
			m.reserved[tok] = struct{}{}
		}
	}
}

func (m *TokenMap) forwardKey(category Category, value string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(category))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return string(mac.Sum(nil))
}

func formatToken(category Category, seq uint64, mode Mode) (string, error) {
	if mode == ModeDeterministic {
		return fmt.Sprintf("%s%s_%06d%s", tokenOpen, category, seq, tokenClose), nil
	}
	var tag [4]byte
	if _, err := rand.Read(tag[:]); err != nil {
		return "", fmt.Errorf("sanitize: token tag: %w", err)
	}
	return fmt.Sprintf("%s%s_%06d_%s%s", tokenOpen, category, seq, hex.EncodeToString(tag[:]), tokenClose), nil
}

// Lookup returns the original value and category for tok.
func (m *TokenMap) Lookup(tok string) (value string, category Category, ok bool) {
	e, ok := m.fromToken[tok]
	if !ok || m.zeroed {
		return "", "", false
	}
	return string(e.value), e.category, true
}

// Len returns the number of allocated tokens.
func (m *TokenMap) Len() int { return len(m.fromToken) }

// IsEmpty reports whether no tokens were allocated.
func (m *TokenMap) IsEmpty() bool { return len(m.fromToken) == 0 }

// Tokens lists allocated tokens in allocation order, without values.
func (m *TokenMap) Tokens() []TokenInfo {
	out := make([]TokenInfo, 0, len(m.order))
	for _, tok := range m.order {
		e := m.fromToken[tok]
		out = append(out, TokenInfo{Token: tok, Category: e.category, Seq: e.seq})
	}
	return out
}

// Restore replaces every known token in text with its original value.
// Token-shaped substrings that are not in the mapping are left untouched
// and reported. Text without tokens is returned unchanged.
func (m *TokenMap) Restore(text string) (string, []UnmatchedToken) {
	return m.restore(text, nil)
}

// restore is Restore with an optional encoder applied to every original
// value, for text where the values land inside a quoted literal.
func (m *TokenMap) restore(text string, escape func([]byte) string) (string, []UnmatchedToken) {
	locs := TokenPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, nil
	}

	var (
		b         strings.Builder
		unmatched []UnmatchedToken
		last      int
	)
	b.Grow(len(text))
	for _, loc := range locs {
		tok := text[loc[0]:loc[1]]
		b.WriteString(text[last:loc[0]])
		switch e, ok := m.fromToken[tok]; {
		case ok && !m.zeroed && escape != nil:
			b.WriteString(escape(e.value))
		case ok && !m.zeroed:
			b.Write(e.value)
		default:
			b.WriteString(tok)
			unmatched = append(unmatched, UnmatchedToken{Token: tok, Offset: loc[0]})
		}
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String(), unmatched
}

// Zeroize overwrites every original value and the forward key, then drops
// all entries. The mapping is unusable afterwards.
func (m *TokenMap) Zeroize() {
	for tok, e := range m.fromToken {
		clear(e.value)
		e.value = nil
		delete(m.fromToken, tok)
	}
	clear(m.key)
	clear(m.toToken)
	clear(m.reserved)
	m.order = nil
	m.zeroed = true
}

// String returns a redacted summary.
func (m *TokenMap) String() string {
	return fmt.Sprintf("TokenMap{mode=%s tokens=%d}", m.mode, len(m.fromToken))
}

// LogValue keeps original values out of structured logs.
func (m *TokenMap) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", m.mode.String()),
		slog.Int("tokens", len(m.fromToken)),
	)
}

// MarshalJSON emits the redacted token list only.
func (m *TokenMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Mode   Mode        `json:"mode"`
		Tokens []TokenInfo `json:"tokens"`
	}{m.mode, m.Tokens()})
}

// snapshot is the persisted form of a TokenMap and its scope lifetime.
// It carries original values, so stores that leave the process must seal it.
type snapshot struct {
	Mode     Mode                `json:"mode"`
	Key      []byte              `json:"key"`
	Seq      map[Category]uint64 `json:"seq"`
	Entries  []snapshotEntry     `json:"entries"`
	Reserved []string            `json:"reserved,omitempty"`
	Created  time.Time           `json:"created"`
	Expires  time.Time           `json:"expires,omitzero"`
}

type snapshotEntry struct {
	Token    string   `json:"token"`
	Category Category `json:"category"`
	Seq      uint64   `json:"seq"`
	Value    []byte   `json:"value"`
}

func (m *TokenMap) encodeSnapshot(created, expires time.Time) ([]byte, error) {
	s := snapshot{Mode: m.mode, Key: m.key, Seq: m.seq, Created: created, Expires: expires}
	for tok := range m.reserved {
		s.Reserved = append(s.Reserved, tok)
	}
	for _, tok := range m.order {
		e := m.fromToken[tok]
		s.Entries = append(s.Entries, snapshotEntry{Token: tok, Category: e.category, Seq: e.seq, Value: e.value})
	}
	return json.Marshal(s)
}

func decodeSnapshot(data []byte) (*TokenMap, snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, s, fmt.Errorf("sanitize: decode mapping: %w", err)
	}
	if len(s.Key) != 32 {
		return nil, s, fmt.Errorf("sanitize: decode mapping: bad key length %d", len(s.Key))
	}
	m := &TokenMap{
		mode:      s.Mode,
		key:       s.Key,
		toToken:   make(map[string]string),
		fromToken: make(map[string]*entry, len(s.Entries)),
		seq:       make(map[Category]uint64, len(s.Seq)),
		reserved:  make(map[string]struct{}, len(s.Reserved)),
	}
	for _, tok := range s.Reserved {
		m.reserved[tok] = struct{}{}
	}
	for c, n := range s.Seq {
		m.seq[c] = n
	}
	// Rebuild both directions together, in allocation order.
	for _, e := range s.Entries {
		if _, dup := m.fromToken[e.Token]; dup {
			return nil, s, fmt.Errorf("%w: duplicate token %s in stored mapping", ErrConsistency, e.Token)
		}
		m.fromToken[e.Token] = &entry{category: e.Category, value: e.Value, seq: e.Seq}
		m.order = append(m.order, e.Token)
		if m.mode == ModeDeterministic {
			m.toToken[m.forwardKey(e.Category, string(e.Value))] = e.Token
		}
		if e.Seq > m.seq[e.Category] {
			m.seq[e.Category] = e.Seq
		}
	}
	s.Entries, s.Key = nil, nil
	return m, s, nil
}
