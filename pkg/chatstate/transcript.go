package chatstate

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrImmutableEntry is returned when a caller tries to replace any entry other than the last one.
var ErrImmutableEntry = errors.New("transcript: only the last entry can be replaced")

// Transcript is an immutable, ordered list of entries plus the index of the entry
// currently receiving streamed text. Every operation returns a new Transcript; the
// receiver and any slice handed out earlier are never written to.
//
// The zero value is an empty transcript with no open entry.
type Transcript struct {
	entries []Entry
	// open is the index of the streaming entry plus one, 0 when none is open.
	open int
}

func NewTranscript(entries ...Entry) Transcript {
	return Transcript{entries: append([]Entry(nil), entries...)}
}

func (t Transcript) Len() int { return len(t.entries) }

// Entries returns a copy of the entries.
func (t Transcript) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

func (t Transcript) At(i int) (Entry, bool) {
	if i < 0 || i >= len(t.entries) {
		return Entry{}, false
	}
	return t.entries[i], true
}

func (t Transcript) Last() (Entry, bool) {
	return t.At(len(t.entries) - 1)
}

// LastIndexOf scans from the end and returns the index of the most recent entry with
// the given role, or -1.
func (t Transcript) LastIndexOf(role Role) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Role == role {
			return i
		}
	}
	return -1
}

// OpenIndex returns the index of the streaming entry, or -1.
func (t Transcript) OpenIndex() int {
	return t.open - 1
}

func (t Transcript) Append(e Entry) Transcript {
	out := make([]Entry, len(t.entries), len(t.entries)+1)
	copy(out, t.entries)
	out = append(out, e)
	return Transcript{entries: out}
}

// AppendOpen appends e and marks it as the streaming entry.
func (t Transcript) AppendOpen(e Entry) Transcript {
	out := t.Append(e)
	out.open = out.Len()
	return out
}

// ReplaceAt swaps the entry at i. Only the last entry may be replaced; all earlier
// entries are final.
func (t Transcript) ReplaceAt(i int, e Entry) (Transcript, error) {
	if len(t.entries) == 0 || i != len(t.entries)-1 {
		return t, ErrImmutableEntry
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	out[i] = e
	return Transcript{entries: out, open: t.open}, nil
}

// ReplaceLast swaps the last entry. It is a no-op on an empty transcript.
func (t Transcript) ReplaceLast(e Entry) Transcript {
	out, err := t.ReplaceAt(len(t.entries)-1, e)
	if err != nil {
		return t
	}
	return out
}

// ReplaceLastOpen swaps the last entry and marks it as the streaming entry.
func (t Transcript) ReplaceLastOpen(e Entry) Transcript {
	out := t.ReplaceLast(e)
	if out.Len() > 0 {
		out.open = out.Len()
	}
	return out
}

// CloseOpen clears the streaming marker.
func (t Transcript) CloseOpen() Transcript {
	return Transcript{entries: t.entries, open: 0}
}

// TruncateTo keeps the first n entries.
func (t Transcript) TruncateTo(n int) Transcript {
	if n < 0 {
		n = 0
	}
	if n >= len(t.entries) {
		return t
	}
	out := Transcript{entries: append([]Entry(nil), t.entries[:n]...)}
	if t.open > 0 && t.open <= n {
		out.open = t.open
	}
	return out
}

// MarshalJSON encodes the entries as a plain array.
func (t Transcript) MarshalJSON() ([]byte, error) {
	if t.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.entries)
}

// UnmarshalJSON decodes a plain array of entries. The result has no open entry.
func (t *Transcript) UnmarshalJSON(b []byte) error {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return errors.Wrap(err, "decode transcript")
	}
	*t = Transcript{entries: entries}
	return nil
}
