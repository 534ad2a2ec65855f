package sanitize

import (
	"bytes"
	"encoding/json"
	"io"
)

// RestoringReader wraps a response stream and replaces placeholder tokens
// with their original values before the bytes reach the consumer. A token
// split across upstream reads is held back until it is complete, so the
// output is identical to restoring the whole stream at once.
type RestoringReader struct {
	src      io.Reader
	sess     *Session
	escape   func([]byte) string
	pending  []byte // source bytes not yet restored; may end in a partial token
	out      []byte // restored bytes ready for the consumer
	consumed int    // source bytes already restored, for warning offsets
	srcEOF   bool
	err      error
	warnings []UnmatchedToken
}

// NewRestoringReader wraps src so that every token known to sess is
// replaced with its original value.
func NewRestoringReader(src io.Reader, sess *Session) *RestoringReader {
	return &RestoringReader{src: src, sess: sess}
}

// NewJSONRestoringReader is like NewRestoringReader for a stream of JSON
// documents, such as server-sent chat completion chunks. Original values
// are escaped so they stay valid inside JSON string literals.
func NewJSONRestoringReader(src io.Reader, sess *Session) *RestoringReader {
	return &RestoringReader{src: src, sess: sess, escape: jsonEscape}
}

// Warnings returns the unmatched tokens seen so far. Offsets are relative
// to the start of the source stream.
func (r *RestoringReader) Warnings() []UnmatchedToken { return r.warnings }

// Read implements io.Reader.
func (r *RestoringReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.srcEOF && len(r.pending) == 0 {
			return 0, io.EOF
		}
		r.fill(len(p))
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// fill reads one chunk from the source and restores the safe prefix of the
// pending buffer.
func (r *RestoringReader) fill(hint int) {
	if !r.srcEOF {
		if hint < 512 {
			hint = 512
		}
		tmp := make([]byte, hint)
		n, err := r.src.Read(tmp)
		r.pending = append(r.pending, tmp[:n]...)
		switch {
		case err == io.EOF:
			r.srcEOF = true
		case err != nil:
			r.err = err
			return
		}
	}

	cut := len(r.pending)
	if !r.srcEOF {
		cut = safeCut(r.pending)
	}
	if cut == 0 {
		return
	}

	restored, unmatched, err := r.sess.restore(string(r.pending[:cut]), r.escape)
	if err != nil {
		r.err = err
		return
	}
	for _, u := range unmatched {
		u.Offset += r.consumed
		r.warnings = append(r.warnings, u)
	}
	r.out = append(r.out, restored...)
	r.consumed += cut
	r.pending = append(r.pending[:0], r.pending[cut:]...)
}

// safeCut returns the length of the longest prefix of buf that cannot end
// inside a token.
func safeCut(buf []byte) int {
	open := []byte(tokenOpen)
	if i := bytes.LastIndex(buf, open); i >= 0 {
		tail := buf[i:]
		if !bytes.Contains(tail, []byte(tokenClose)) && len(tail) < maxTokenLen {
			return i
		}
	}
	// A trailing lead byte may be the first half of the opening delimiter.
	if n := len(buf); n > 0 && buf[n-1] == open[0] {
		return n - 1
	}
	return len(buf)
}

// jsonEscape encodes v as the body of a JSON string literal.
func jsonEscape(v []byte) string {
	b, err := json.Marshal(string(v))
	if err != nil || len(b) < 2 {
		return string(v)
	}
	return string(b[1 : len(b)-1])
}
