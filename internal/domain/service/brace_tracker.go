package service

import "strings"

// JSONBraceTracker is a streaming balanced-brace scanner. It consumes
// arbitrary chunks of bytes and reports each top-level JSON object the
// moment its closing brace arrives, regardless of how the input was
// split across chunks.
//
// Braces inside strings are ignored; a backslash consumes the next
// character so escaped quotes never terminate a string. The tracker
// only balances braces — a balanced but invalid object still completes,
// and validity is the caller's problem.
type JSONBraceTracker struct {
	buf      strings.Builder
	depth    int
	inString bool
	escaped  bool
	started  bool
}

// NewJSONBraceTracker returns a tracker positioned before any object.
func NewJSONBraceTracker() *JSONBraceTracker {
	return &JSONBraceTracker{}
}

// Feed consumes a chunk and returns the object strings completed by it,
// in order. Bytes between objects (whitespace, commas) are discarded.
func (t *JSONBraceTracker) Feed(chunk string) []string {
	results, _ := t.feed(chunk, false)
	return results
}

// FeedWithRemainder is Feed, but also returns the bytes that followed
// the last completed object in this chunk. Used by callers that hand
// the tail back to a different scanner once the object closes.
func (t *JSONBraceTracker) FeedWithRemainder(chunk string) ([]string, string) {
	return t.feed(chunk, true)
}

func (t *JSONBraceTracker) feed(chunk string, wantRemainder bool) ([]string, string) {
	var results []string
	remainderStart := -1

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if !t.started {
			if c != '{' {
				continue
			}
			t.started = true
		}

		t.buf.WriteByte(c)

		if t.inString {
			switch {
			case t.escaped:
				t.escaped = false
			case c == '\\':
				t.escaped = true
			case c == '"':
				t.inString = false
			}
			continue
		}

		switch c {
		case '"':
			t.inString = true
		case '{':
			t.depth++
		case '}':
			t.depth--
			if t.depth == 0 {
				results = append(results, t.buf.String())
				t.buf.Reset()
				t.started = false
				remainderStart = i + 1
			}
		}
	}

	if wantRemainder && remainderStart >= 0 {
		// Everything after the last close belongs to the caller again;
		// un-buffer it so the tracker doesn't double-count.
		tail := chunk[remainderStart:]
		t.buf.Reset()
		t.started = false
		t.depth = 0
		t.inString = false
		t.escaped = false
		return results, tail
	}
	return results, ""
}

// Buffer returns the bytes of the object currently in flight.
func (t *JSONBraceTracker) Buffer() string {
	return t.buf.String()
}

// Reset discards all state, including a partially scanned object.
func (t *JSONBraceTracker) Reset() {
	t.buf.Reset()
	t.depth = 0
	t.inString = false
	t.escaped = false
	t.started = false
}
