package scope

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize    = 24
	minSecretLen = 16
	sealInfo     = "zeroveil scope v1 "
)

// ErrSealed reports a payload that failed authentication, either because it
// was tampered with or because it was sealed under a different secret.
var ErrSealed = errors.New("scope: sealed payload failed authentication")

// Sealed encrypts payloads with NaCl secretbox before handing them to the
// wrapped Store. Each scope gets its own key, derived with HKDF-SHA256 from
// the master secret and the scope ID, so a ciphertext cannot be replayed
// under another ID.
type Sealed struct {
	inner  Store
	secret []byte
}

// NewSealed wraps inner. secret must be at least 16 bytes.
func NewSealed(inner Store, secret []byte) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("scope: sealed store needs an inner store")
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("scope: sealing secret must be at least %d bytes", minSecretLen)
	}
	return &Sealed{inner: inner, secret: append([]byte(nil), secret...)}, nil
}

func (s *Sealed) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}
	defer clear(key[:])

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("scope: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], payload, &nonce, key)
	return s.inner.Save(ctx, id, box, ttl)
}

func (s *Sealed) Load(ctx context.Context, id string) ([]byte, error) {
	box, err := s.inner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("scope %s: %w", id, ErrSealed)
	}
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}
	defer clear(key[:])

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", id, ErrSealed)
	}
	return out, nil
}

func (s *Sealed) Release(ctx context.Context, id string) error {
	return s.inner.Release(ctx, id)
}

func (s *Sealed) Close() error {
	clear(s.secret)
	return s.inner.Close()
}

func (s *Sealed) key(id string) (*[32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, s.secret, nil, []byte(sealInfo+id))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("scope: derive key: %w", err)
	}
	return &key, nil
}
