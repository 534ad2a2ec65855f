package scope

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	scopesBucket   = "scopes"
	releasedBucket = "released"
)

// Bolt is a Store backed by an embedded bbolt database. It is the default
// for the CLI, where each command runs in its own process.
//
// A value in the scopes bucket is an 8-byte big-endian expiry in Unix
// nanoseconds (zero for none) followed by the payload. The released bucket
// maps IDs to the release time in the same encoding.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database at path and ensures both
// buckets exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("scope: open bbolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{scopesBucket, releasedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("scope: create bbolt buckets: %w", err)
	}

	slog.Debug("scope: bbolt store opened", "path", path)
	return &Bolt{db: db, now: time.Now}, nil
}

func (s *Bolt) Save(_ context.Context, id string, payload []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixNano()
	}
	value := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(value, uint64(expires))
	copy(value[8:], payload)
	defer clear(value)

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(releasedBucket)).Get([]byte(id)) != nil {
			return ErrExpired
		}
		if err := tx.Bucket([]byte(scopesBucket)).Put([]byte(id), value); err != nil {
			return fmt.Errorf("scope: bbolt put: %w", err)
		}
		return nil
	})
}

func (s *Bolt) Load(_ context.Context, id string) ([]byte, error) {
	now := s.now()
	var (
		out     []byte
		expired bool
	)
	// Update rather than View: an expired record is tombstoned on read, and
	// returning an error would roll that back.
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(releasedBucket)).Get([]byte(id)) != nil {
			return ErrExpired
		}
		b := tx.Bucket([]byte(scopesBucket))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if len(v) < 8 {
			return fmt.Errorf("scope: bbolt record %s truncated", id)
		}
		if exp := int64(binary.BigEndian.Uint64(v)); exp != 0 && now.UnixNano() >= exp {
			expired = true
			return tombstone(tx, id, now)
		}
		// v is only valid inside the transaction.
		out = append([]byte(nil), v[8:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrExpired
	}
	return out, nil
}

func (s *Bolt) Release(_ context.Context, id string) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(releasedBucket)).Get([]byte(id)) != nil {
			return nil
		}
		if tx.Bucket([]byte(scopesBucket)).Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return tombstone(tx, id, now)
	})
}

// Purge drops expired payloads and tombstones older than
// TombstoneRetention. It returns the number of records removed.
func (s *Bolt) Purge(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired, stale [][]byte
		if err := tx.Bucket([]byte(scopesBucket)).ForEach(func(k, v []byte) error {
			if len(v) >= 8 {
				if exp := int64(binary.BigEndian.Uint64(v)); exp != 0 && now.UnixNano() >= exp {
					expired = append(expired, append([]byte(nil), k...))
				}
			}
			return nil
		}); err != nil {
			return err
		}
		cutoff := now.Add(-TombstoneRetention).UnixNano()
		if err := tx.Bucket([]byte(releasedBucket)).ForEach(func(k, v []byte) error {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := tombstone(tx, string(k), now); err != nil {
				return err
			}
		}
		for _, k := range stale {
			if err := tx.Bucket([]byte(releasedBucket)).Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired) + len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scope: bbolt purge: %w", err)
	}
	return removed, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

// tombstone deletes the payload of id and records its release time.
func tombstone(tx *bolt.Tx, id string, now time.Time) error {
	if err := tx.Bucket([]byte(scopesBucket)).Delete([]byte(id)); err != nil {
		return fmt.Errorf("scope: bbolt delete: %w", err)
	}
	var at [8]byte
	binary.BigEndian.PutUint64(at[:], uint64(now.UnixNano()))
	if err := tx.Bucket([]byte(releasedBucket)).Put([]byte(id), at[:]); err != nil {
		return fmt.Errorf("scope: bbolt tombstone: %w", err)
	}
	return nil
}
