package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenMapDeterministic(t *testing.T) {
	m, err := newTokenMap(ModeDeterministic)
	require.NoError(t, err)

	a, err := m.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)
	b, err := m.assign(CategoryEmail, "c@d.com")
	require.NoError(t, err)
	again, err := m.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)
	p, err := m.assign(CategoryPerson, "a@b.com")
	require.NoError(t, err)

	assert.Equal(t, "«EMAIL_ADDRESS_000001»", a)
	assert.Equal(t, "«EMAIL_ADDRESS_000002»", b)
	assert.Equal(t, a, again)
	assert.Equal(t, "«PERSON_000001»", p, "sequence numbers are per category")
	assert.Equal(t, 3, m.Len())

	v, cat, ok := m.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "a@b.com", v)
	assert.Equal(t, CategoryEmail, cat)
}

func TestTokenMapNonDeterministic(t *testing.T) {
	m, err := newTokenMap(ModeNonDeterministic)
	require.NoError(t, err)

	a, err := m.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)
	b, err := m.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, TokenPattern.MatchString(a), a)
	assert.True(t, TokenPattern.MatchString(b), b)
	assert.Regexp(t, `^«EMAIL_ADDRESS_000001_[0-9a-f]{8}»$`, a)
	assert.Regexp(t, `^«EMAIL_ADDRESS_000002_[0-9a-f]{8}»$`, b)
}

func TestTokenMapZeroize(t *testing.T) {
	m, err := newTokenMap(ModeDeterministic)
	require.NoError(t, err)
	tok, err := m.assign(CategoryEmail, "secret@example.com")
	require.NoError(t, err)
	value := m.fromToken[tok].value

	m.Zeroize()

	assert.Equal(t, bytes.Repeat([]byte{0}, len("secret@example.com")), value)
	_, _, ok := m.Lookup(tok)
	assert.False(t, ok)
	assert.True(t, m.IsEmpty())
	out, unmatched := m.Restore("x " + tok)
	assert.Equal(t, "x "+tok, out)
	assert.Len(t, unmatched, 1)

	_, err = m.assign(CategoryEmail, "other@example.com")
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestTokenMapNeverPrintsValues(t *testing.T) {
	m, err := newTokenMap(ModeDeterministic)
	require.NoError(t, err)
	_, err = m.assign(CategoryEmail, "secret@example.com")
	require.NoError(t, err)

	assert.NotContains(t, m.String(), "secret")
	assert.NotContains(t, fmt.Sprintf("%v %+v", m, m), "secret")

	js, err := json.Marshal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(js), "secret")
	assert.Contains(t, string(js), "«EMAIL_ADDRESS_000001»")

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("mapping", "map", m)
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"tokens":1`)
}

func TestTokenMapRestore(t *testing.T) {
	m, err := newTokenMap(ModeDeterministic)
	require.NoError(t, err)
	tok, err := m.assign(CategoryPerson, `Ann "A" Lee`)
	require.NoError(t, err)

	out, unmatched := m.Restore("hi " + tok + ", not «PERSON_000042»")
	assert.Equal(t, `hi Ann "A" Lee, not «PERSON_000042»`, out)
	require.Len(t, unmatched, 1)
	assert.Equal(t, UnmatchedToken{Token: "«PERSON_000042»", Offset: len("hi " + tok + ", not ")}, unmatched[0])

	escaped, _ := m.restore(`{"c":"`+tok+`"}`, jsonEscape)
	assert.Equal(t, `{"c":"Ann \"A\" Lee"}`, escaped)

	plain := "nothing to see"
	out, unmatched = m.Restore(plain)
	assert.Equal(t, plain, out)
	assert.Empty(t, unmatched)
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, err := newTokenMap(ModeDeterministic)
	require.NoError(t, err)
	first, err := m.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)
	_, err = m.assign(CategoryPhone, "555-123-4567")
	require.NoError(t, err)
	m.reserve("quoted «EMAIL_ADDRESS_000002» from elsewhere")

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expires := created.Add(time.Hour)
	data, err := m.encodeSnapshot(created, expires)
	require.NoError(t, err)
	got, meta, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.True(t, created.Equal(meta.Created))
	assert.True(t, expires.Equal(meta.Expires))

	assert.Equal(t, m.Tokens(), got.Tokens())
	reused, err := got.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, first, reused)
	next, err := got.assign(CategoryEmail, "x@y.com")
	require.NoError(t, err)
	assert.Equal(t, "«EMAIL_ADDRESS_000003»", next, "reserved tokens survive the round trip")

	_, _, err = decodeSnapshot([]byte(`{"mode":"deterministic","key":"AAAA"}`))
	assert.Error(t, err)
}

func TestAssignSkipsReservedTokens(t *testing.T) {
	m, err := newTokenMap(ModeDeterministic)
	require.NoError(t, err)
	own, err := m.assign(CategoryEmail, "a@b.com")
	require.NoError(t, err)

	m.reserve(own + " «EMAIL_ADDRESS_000002» «EMAIL_ADDRESS_000003» «PERSON_000001»")
	assert.Len(t, m.reserved, 3, "own tokens are not reserved")

	tok, err := m.assign(CategoryEmail, "x@y.com")
	require.NoError(t, err)
	assert.Equal(t, "«EMAIL_ADDRESS_000004»", tok)
	tok, err = m.assign(CategoryPerson, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "«PERSON_000002»", tok)

	m.Zeroize()
	assert.Empty(t, m.reserved)
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, Category("EMAIL_ADDRESS"), NormalizeCategory(" email address "))
	assert.Equal(t, Category("DATE_OF_BIRTH"), NormalizeCategory("date-of-birth"))
	assert.Equal(t, Category("UNKNOWN"), NormalizeCategory("--"))
	assert.Len(t, string(NormalizeCategory("a_very_long_category_name_that_keeps_going")), maxCategoryLen)
}
