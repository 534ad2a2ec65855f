package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free-radical/zeroveil/internal/sanitize"
)

func detect(t *testing.T, d *Detector, text string) map[sanitize.Category][]string {
	t.Helper()
	spans, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	out := map[sanitize.Category][]string{}
	for _, sp := range spans {
		out[sp.Category] = append(out[sp.Category], sp.Text(text))
	}
	return out
}

func TestDetectEmailAndPhone(t *testing.T) {
	got := detect(t, MustNew(), "Email me at a@b.com or call 555-123-4567.")
	assert.Equal(t, []string{"a@b.com"}, got[sanitize.CategoryEmail])
	assert.Equal(t, []string{"555-123-4567"}, got[sanitize.CategoryPhone])
}

func TestDetectCreditCardRequiresLuhn(t *testing.T) {
	d := MustNew()
	got := detect(t, d, "card 4111 1111 1111 1111 on file")
	assert.Equal(t, []string{"4111 1111 1111 1111"}, got[sanitize.CategoryCreditCard])

	got = detect(t, d, "card 4111 1111 1111 1112 on file")
	assert.Empty(t, got[sanitize.CategoryCreditCard])
}

func TestDetectIBANRequiresChecksum(t *testing.T) {
	d := MustNew()
	got := detect(t, d, "pay to DE89 3704 0044 0532 0130 00 today")
	assert.Equal(t, []string{"DE89 3704 0044 0532 0130 00"}, got[sanitize.CategoryIBAN])

	got = detect(t, d, "pay to DE89 3704 0044 0532 0130 01 today")
	assert.Empty(t, got[sanitize.CategoryIBAN])
}

func TestDetectAPIKeyUsesCaptureGroup(t *testing.T) {
	text := `config: api_key = "abcd1234efgh5678ijkl"`
	spans, err := MustNew().Detect(context.Background(), text)
	require.NoError(t, err)

	var keys []string
	for _, sp := range spans {
		if sp.Category == sanitize.CategoryAPIKey {
			keys = append(keys, sp.Text(text))
		}
	}
	assert.Equal(t, []string{"abcd1234efgh5678ijkl"}, keys)
}

func TestContextWordsBoostWeakPatterns(t *testing.T) {
	d := MustNew()
	assert.Empty(t, detect(t, d, "order 123456789 shipped")[sanitize.CategoryPassport])
	assert.Equal(t, []string{"123456789"}, detect(t, d, "passport 123456789 expires")[sanitize.CategoryPassport])
}

func TestSpansAreValidAndScored(t *testing.T) {
	text := "ssn 123-45-6789, ip 10.0.0.1, see https://example.com/a?b=c. ok"
	spans, err := MustNew().Detect(context.Background(), text)
	require.NoError(t, err)
	require.NotEmpty(t, spans)
	for _, sp := range spans {
		assert.True(t, sp.Start >= 0 && sp.Start < sp.End && sp.End <= len(text))
		assert.True(t, sp.Confidence >= DefaultMinScore && sp.Confidence <= 1)
	}
	got := detect(t, MustNew(), text)
	assert.Equal(t, []string{"123-45-6789"}, got[sanitize.CategorySSN])
	assert.Equal(t, []string{"10.0.0.1"}, got[sanitize.CategoryIPAddress])
	assert.Equal(t, []string{"https://example.com/a?b=c"}, got[sanitize.CategoryURL])
}

func TestWithEntitiesFilters(t *testing.T) {
	d := MustNew(WithEntities(sanitize.CategoryEmail))
	got := detect(t, d, "a@b.com 555-123-4567")
	assert.Len(t, got, 1)
	assert.Contains(t, got, sanitize.CategoryEmail)
}

func TestRecognizerFileOverridesByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recognizers:
  - name: email
    supported_entity: EMAIL_ADDRESS
    enabled: false
    patterns:
      - name: disabled_email
        regex: 'x'
        score: 1
  - name: employee_id
    supported_entity: employee id
    patterns:
      - name: emp
        regex: '\bEMP-\d{5}\b'
        score: 0.9
`), 0o600))

	d, err := New(WithRecognizerFile(path))
	require.NoError(t, err)
	got := detect(t, d, "EMP-12345 wrote from a@b.com")
	assert.Empty(t, got[sanitize.CategoryEmail])
	assert.Equal(t, []string{"EMP-12345"}, got[sanitize.Category("EMPLOYEE_ID")])
}

func TestNewRejectsBadRecognizers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recognizers:
  - name: broken
    supported_entity: X
    patterns:
      - name: p
        regex: '('
        score: 0.5
`), 0o600))
	_, err := New(WithRecognizerFile(path))
	assert.Error(t, err)

	_, err = New(WithRecognizerFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestDetectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MustNew().Detect(ctx, "a@b.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLuhnAndIBAN(t *testing.T) {
	assert.True(t, luhnValid("4111111111111111"))
	assert.False(t, luhnValid("4111111111111112"))
	assert.False(t, luhnValid("12345"))
	assert.True(t, ibanValid("GB82 WEST 1234 5698 7654 32"))
	assert.False(t, ibanValid("GB82 WEST 1234 5698 7654 33"))
	assert.False(t, ibanValid("DE89370400440532013"))
}
