package scope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestSealedStore(t *testing.T) {
	s, err := NewSealed(NewMemory(), testSecret)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestSealedStoreEncryptsAtRest(t *testing.T) {
	inner := NewMemory()
	s, err := NewSealed(inner, testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "a", []byte("alice@example.com"), time.Hour))
	raw, err := inner.Load(ctx, "a")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "alice@example.com")
	assert.Len(t, raw, nonceSize+16+len("alice@example.com"))
}

func TestSealedStoreRejectsWrongSecretAndMovedPayload(t *testing.T) {
	inner := NewMemory()
	s, err := NewSealed(inner, testSecret)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "a", []byte("secret"), time.Hour))

	other, err := NewSealed(inner, []byte("another-secret-of-32-bytes-long!"))
	require.NoError(t, err)
	_, err = other.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrSealed)

	raw, err := inner.Load(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, inner.Save(ctx, "b", raw, time.Hour))
	_, err = s.Load(ctx, "b")
	assert.ErrorIs(t, err, ErrSealed)
}

func TestNewSealedRejectsShortSecret(t *testing.T) {
	_, err := NewSealed(NewMemory(), []byte("short"))
	assert.Error(t, err)
}
