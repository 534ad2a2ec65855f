package sanitize

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects how tokens are assigned within a scope.
type Mode int

const (
	// ModeDeterministic reuses one token per (category, value) within a
	// scope. Repeats of a secret are linkable by an observer.
	ModeDeterministic Mode = iota
	// ModeNonDeterministic allocates a fresh token for every occurrence.
	ModeNonDeterministic
)

// ParseMode parses "deterministic" or "nondeterministic" (case-insensitive;
// "non-deterministic" and "random" are accepted too).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deterministic":
		return ModeDeterministic, nil
	case "nondeterministic", "non-deterministic", "random":
		return ModeNonDeterministic, nil
	}
	return 0, fmt.Errorf("sanitize: unknown mode %q", s)
}

func (m Mode) String() string {
	if m == ModeNonDeterministic {
		return "nondeterministic"
	}
	return "deterministic"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// State is the lifecycle stage of a Session.
type State int

// Session states, in pipeline order.
const (
	StateCreated State = iota
	StateDetecting
	StateResolving
	StateMapping
	StateRewritten
	StateActive
	StateReleased
)

var stateNames = [...]string{"created", "detecting", "resolving", "mapping", "rewritten", "active", "released"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session owns the token mapping of one scope. Scrubs that append to the
// scope are serialised by the write lock; restores share the read lock.
type Session struct {
	id      string
	mode    Mode
	persist bool
	created time.Time

	mu      sync.RWMutex
	state   State
	expires time.Time // zero means no expiry
	tm      *TokenMap
}

func newSession(id string, mode Mode, persist bool, now time.Time, ttl time.Duration) (*Session, error) {
	tm, err := newTokenMap(mode)
	if err != nil {
		return nil, err
	}
	s := &Session{id: id, mode: mode, persist: persist, created: now, state: StateCreated, tm: tm}
	if ttl > 0 {
		s.expires = now.Add(ttl)
	}
	return s, nil
}

// ID returns the scope handle.
func (s *Session) ID() string { return s.id }

// Mode returns the token assignment mode.
func (s *Session) Mode() Mode { return s.mode }

// Persistent reports whether the mapping is mirrored to the scope store.
func (s *Session) Persistent() bool { return s.persist }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ExpiresAt returns the scope expiry, or the zero time for none.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

// Len returns the number of tokens in the mapping.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tm.Len()
}

// Tokens lists the allocated tokens without their values.
func (s *Session) Tokens() []TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tm.Tokens()
}

// Restore replaces known tokens in text. It fails with ErrScopeExpired
// once the session has been released.
func (s *Session) Restore(text string) (string, []UnmatchedToken, error) {
	return s.restore(text, nil)
}

func (s *Session) restore(text string, escape func([]byte) string) (string, []UnmatchedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateReleased {
		return "", nil, fmt.Errorf("scope %s: %w", s.id, ErrScopeExpired)
	}
	out, unmatched := s.tm.restore(text, escape)
	return out, unmatched, nil
}

// apply maps resolved spans to tokens and rewrites text under the write
// lock. On failure nothing new stays visible: a fresh session is simply
// discarded by the caller, and an existing one only gained entries that
// no scrubbed text references.
//
// For a persistent session save receives the snapshot inside the same
// critical section, so the store never goes back to an older mapping.
func (s *Session) apply(text string, spans []Span, save func(payload []byte, expires time.Time) error) (string, []TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReleased {
		return "", nil, fmt.Errorf("scope %s: %w", s.id, ErrScopeExpired)
	}

	s.state = StateMapping
	s.tm.reserve(text)
	tokens := make([]string, len(spans))
	infos := make([]TokenInfo, len(spans))
	for i, sp := range spans {
		tok, err := s.tm.assign(sp.Category, sp.Text(text))
		if err != nil {
			return "", nil, err
		}
		tokens[i] = tok
		infos[i] = TokenInfo{Token: tok, Category: sp.Category, Seq: s.tm.fromToken[tok].seq}
	}

	out, err := Rewrite(text, spans, tokens)
	if err != nil {
		return "", nil, err
	}
	if s.persist && save != nil {
		payload, err := s.tm.encodeSnapshot(s.created, s.expires)
		if err != nil {
			return "", nil, err
		}
		err = save(payload, s.expires)
		clear(payload)
		if err != nil {
			return "", nil, err
		}
	}
	s.state = StateRewritten
	return out, infos, nil
}

// setState moves the session forward unless it was already released.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateReleased {
		s.state = st
	}
	s.mu.Unlock()
}

// expired reports whether the TTL has passed at now.
func (s *Session) expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.expires.IsZero() && !now.Before(s.expires)
}

// release zeroizes the mapping. It is idempotent and there is no way back.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReleased {
		return
	}
	s.tm.Zeroize()
	s.state = StateReleased
}
