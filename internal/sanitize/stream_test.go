package sanitize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrubbedSession(t *testing.T, text string) (*Engine, *ScrubResult) {
	t.Helper()
	eng := New(Config{Detector: testDetector, MinConfidence: 0.5})
	t.Cleanup(eng.Close)
	res, err := eng.Scrub(context.Background(), text, ScrubOptions{})
	require.NoError(t, err)
	return eng, res
}

func TestRestoringReaderSplitTokens(t *testing.T) {
	_, res := scrubbedSession(t, "Alice wrote to bob@example.com and Bob called 555-123-4567.")
	reply := "Hi " + strings.Repeat(res.Text+" «PERSON_000077» ", 20)
	want, wantWarn, err := res.Session().Restore(reply)
	require.NoError(t, err)

	r := NewRestoringReader(iotest.OneByteReader(strings.NewReader(reply)), res.Session())
	got, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, want, string(got))
	assert.Equal(t, wantWarn, r.Warnings())
	assert.Len(t, r.Warnings(), 20)
	assert.NotContains(t, string(got), "«EMAIL_ADDRESS_000001»")
}

func TestRestoringReaderPassesThroughLoneDelimiters(t *testing.T) {
	_, res := scrubbedSession(t, "Alice")
	text := "quote «not a token» and a trailing «"
	got, err := io.ReadAll(NewRestoringReader(iotest.HalfReader(strings.NewReader(text)), res.Session()))
	require.NoError(t, err)
	assert.Equal(t, text, string(got))
}

func TestJSONRestoringReaderEscapes(t *testing.T) {
	eng := New(Config{Detector: DetectorFunc(func(_ context.Context, text string) ([]Span, error) {
		return []Span{{Start: 0, End: len(text), Category: CategoryPerson, Confidence: 1}}, nil
	})})
	t.Cleanup(eng.Close)
	value := "Ann \"A\" Lee\n<b>"
	res, err := eng.Scrub(context.Background(), value, ScrubOptions{})
	require.NoError(t, err)

	chunk := `data: {"choices":[{"delta":{"content":"hi ` + res.Text + `"}}]}` + "\n\n"
	out, err := io.ReadAll(NewJSONRestoringReader(iotest.OneByteReader(strings.NewReader(chunk)), res.Session()))
	require.NoError(t, err)

	payload := strings.TrimSuffix(strings.TrimPrefix(string(out), "data: "), "\n\n")
	var decoded struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded), payload)
	assert.Equal(t, "hi "+value, decoded.Choices[0].Delta.Content)
}

func TestRestoringReaderAfterRelease(t *testing.T) {
	eng, res := scrubbedSession(t, "Alice")
	require.NoError(t, eng.ReleaseScope(context.Background(), res.Scope))

	_, err := io.ReadAll(NewRestoringReader(strings.NewReader(res.Text), res.Session()))
	assert.ErrorIs(t, err, ErrScopeExpired)
}

func TestRestoringReaderSourceError(t *testing.T) {
	_, res := scrubbedSession(t, "Alice")
	boom := errors.New("boom")
	_, err := io.ReadAll(NewRestoringReader(iotest.ErrReader(boom), res.Session()))
	assert.ErrorIs(t, err, boom)
}
