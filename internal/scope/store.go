// Package scope persists sealed token mappings between processes so a
// scope created by one call can be restored or released by another.
//
// Payloads are opaque to the store. Use Sealed to encrypt them before they
// reach a backend that writes to disk or the network.
package scope

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound reports a scope ID the store has never seen.
	ErrNotFound = errors.New("scope not found")
	// ErrExpired reports a scope that was released or outlived its TTL.
	ErrExpired = errors.New("scope expired")
)

// TombstoneRetention is how long released IDs keep reporting ErrExpired.
const TombstoneRetention = 24 * time.Hour

// Store is the persistence collaborator for token mappings.
// All implementations must be safe for concurrent use.
type Store interface {
	// Save stores payload under id, replacing any previous payload. A ttl
	// of zero or less means no expiry.
	Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	// Load returns a copy of the payload. The caller may overwrite it.
	Load(ctx context.Context, id string) ([]byte, error)
	// Release deletes the payload and tombstones id. Releasing a released
	// id is a no-op; releasing an unknown id returns ErrNotFound.
	Release(ctx context.Context, id string) error
	Close() error
}

type memEntry struct {
	payload []byte
	expires time.Time
}

// Memory is an in-process Store used by the server and in tests.
type Memory struct {
	now func() time.Time

	mu       sync.Mutex
	entries  map[string]memEntry
	released map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		entries:  make(map[string]memEntry),
		released: make(map[string]time.Time),
	}
}

func (m *Memory) Save(_ context.Context, id string, payload []byte, ttl time.Duration) error {
	e := memEntry{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.released[id]; ok {
		return ErrExpired
	}
	if old, ok := m.entries[id]; ok {
		clear(old.payload)
	}
	m.entries[id] = e
	return nil
}

func (m *Memory) Load(_ context.Context, id string) ([]byte, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.released[id]; ok {
		return nil, ErrExpired
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		m.drop(id, now)
		return nil, ErrExpired
	}
	return append([]byte(nil), e.payload...), nil
}

func (m *Memory) Release(_ context.Context, id string) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.released[id]; ok {
		return nil
	}
	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	m.drop(id, now)
	m.prune(now)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		clear(e.payload)
		delete(m.entries, id)
	}
	return nil
}

// drop zeroizes and tombstones id. Caller holds mu.
func (m *Memory) drop(id string, now time.Time) {
	if e, ok := m.entries[id]; ok {
		clear(e.payload)
		delete(m.entries, id)
	}
	m.released[id] = now
}

func (m *Memory) prune(now time.Time) {
	for id, at := range m.released {
		if now.Sub(at) > TombstoneRetention {
			delete(m.released, id)
		}
	}
}
