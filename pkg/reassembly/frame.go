package reassembly

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EndOfStreamToken is the in-band marker that terminates a streamed answer.
const EndOfStreamToken = "EOF"

// EOFMode controls how the end-of-stream token is recognized.
type EOFMode int

const (
	// EOFContains treats any frame containing the token as a terminator. Legitimate text
	// that contains "EOF" is misread as the end of the stream.
	EOFContains EOFMode = iota
	// EOFExact only accepts the token as the whole frame or as its last word.
	EOFExact
)

func (m EOFMode) String() string {
	if m == EOFExact {
		return "exact"
	}
	return "contains"
}

// ParseEOFMode maps "exact"/"strict" to EOFExact and anything else to EOFContains.
func ParseEOFMode(s string) EOFMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "strict":
		return EOFExact
	default:
		return EOFContains
	}
}

// Kind is what a frame was classified as.
type Kind int

const (
	KindIgnored Kind = iota
	KindSession
	KindEndOfStream
	KindMetadata
	KindAnswer
	KindText
	KindDropped
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindEndOfStream:
		return "eof"
	case KindMetadata:
		return "metadata"
	case KindAnswer:
		return "answer"
	case KindText:
		return "text"
	case KindDropped:
		return "dropped"
	default:
		return "ignored"
	}
}

// frame is one inbound payload with its JSON view decoded at most once.
type frame struct {
	raw []byte
	obj map[string]json.RawMessage
	// isJSON is true for any valid JSON document, object or not.
	isJSON bool
}

func newFrame(raw []byte) frame {
	f := frame{raw: raw}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return f
	}
	f.isJSON = true
	if trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			f.obj = obj
		}
	}
	return f
}

func (f frame) isObject() bool { return f.obj != nil }

func (f frame) has(key string) bool {
	_, ok := f.obj[key]
	return ok
}

// str returns the string value of key, or "" when missing or not a string.
func (f frame) str(key string) string {
	v, ok := f.obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// sessionID returns the session id and whether the frame carries a session_id field
// at all. A null or empty field is present with an empty id.
func (f frame) sessionID() (string, bool) {
	if !f.isObject() {
		return "", false
	}
	v, ok := f.obj["session_id"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	// numeric session ids are accepted verbatim
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	return "", true
}

func (f frame) isAnswer() bool {
	if !f.isObject() {
		return false
	}
	return f.str("type") == "answer" || f.str("content") != "" || f.str("answer") != ""
}

func (f frame) answerText() string {
	if s := f.str("content"); s != "" {
		return s
	}
	return f.str("answer")
}

func (f frame) isMetadata() bool {
	return f.isObject() && (f.has("refs") || f.has("web_search") || f.has("context"))
}

// splitEOF reports whether the frame terminates the stream and returns the text that
// precedes the token with trailing whitespace removed.
func splitEOF(raw []byte, mode EOFMode) (string, bool) {
	s := string(raw)
	switch mode {
	case EOFExact:
		trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
		if !strings.HasSuffix(trimmed, EndOfStreamToken) {
			return "", false
		}
		before := strings.TrimSuffix(trimmed, EndOfStreamToken)
		if r, _ := utf8.DecodeLastRuneInString(before); before != "" && !unicode.IsSpace(r) {
			return "", false
		}
		return strings.TrimRightFunc(before, unicode.IsSpace), true
	default:
		idx := strings.Index(s, EndOfStreamToken)
		if idx < 0 {
			return "", false
		}
		return strings.TrimRightFunc(s[:idx], unicode.IsSpace), true
	}
}
