package chatstate

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ID is an identifier coming from the backend. The option list endpoints are not
// consistent about string vs numeric ids, so both decode into the same type.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Reference is a single citation attached to an assistant answer.
type Reference struct {
	FileName string  `json:"file_name,omitempty"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Text     string  `json:"text,omitempty"`
	Page     int     `json:"page,omitempty"`
	Score    float64 `json:"score,omitempty"`

	// Raw keeps the reference exactly as received so views can show fields the core
	// does not know about.
	Raw json.RawMessage `json:"-"`
}

func (r *Reference) UnmarshalJSON(b []byte) error {
	type plain Reference
	aux := struct {
		*plain
		// some backends send page as a string
		Page json.RawMessage `json:"page,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Page = 0
	if p := strings.Trim(string(aux.Page), `" `); p != "" && p != "null" {
		if n, err := strconv.Atoi(p); err == nil {
			r.Page = n
		}
	}
	r.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// Citations is the post-stream metadata attached to the most recent assistant entry.
type Citations struct {
	Refs      []Reference `json:"refs"`
	WebSearch *bool       `json:"web_search,omitempty"`

	// Raw is the complete metadata frame.
	Raw json.RawMessage `json:"-"`
}

// Entry is one transcript item. Entries are values; the transcript replaces them
// instead of mutating them.
type Entry struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Refs      *Citations `json:"refs,omitempty"`
}

// IsReferenceOnly reports whether the entry only exists to carry citations.
func (e Entry) IsReferenceOnly() bool {
	return e.Content == "" && e.Refs != nil
}

// ContextItem is a retrieved source passage sent alongside an answer.
type ContextItem struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

type Domain struct {
	ID   ID     `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type Tag struct {
	ID   ID     `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}
