package reassembly

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/naxie/pkg/chatstate"
)

// metadata is the decoded form of a post-stream JSON frame.
type metadata struct {
	citations *chatstate.Citations
	context   []chatstate.ContextItem
	// hasContext distinguishes an explicit empty context from no context field.
	hasContext bool
}

// parseMetadata decodes a metadata frame. A frame whose only field is context updates
// the context and attaches no citations to the transcript.
func parseMetadata(f frame) (metadata, error) {
	var md metadata
	if !f.isObject() {
		return md, errors.New("metadata frame is not a JSON object")
	}

	if raw, ok := f.obj["context"]; ok {
		items, err := parseContext(raw)
		if err != nil {
			return md, errors.Wrap(err, "decode context")
		}
		md.context = items
		md.hasContext = true
	}

	// a frame that only carries context does not touch the transcript
	if len(f.obj) == 1 && md.hasContext {
		return md, nil
	}

	c := &chatstate.Citations{Raw: append(json.RawMessage(nil), bytes.TrimSpace(f.raw)...)}
	if raw, ok := f.obj["refs"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &c.Refs); err != nil {
			// keep the frame; views can still read Raw
			var single chatstate.Reference
			if err2 := json.Unmarshal(raw, &single); err2 != nil {
				return md, errors.Wrap(err, "decode refs")
			}
			c.Refs = []chatstate.Reference{single}
		}
	}
	if raw, ok := f.obj["web_search"]; ok && !isNull(raw) {
		var ws bool
		if err := json.Unmarshal(raw, &ws); err == nil {
			c.WebSearch = &ws
		}
	}
	md.citations = c
	return md, nil
}

type contextWire struct {
	Filename string `json:"filename"`
	FileName string `json:"file_name"`
	Text     string `json:"text"`
	Content  string `json:"content"`
}

func (w contextWire) item() chatstate.ContextItem {
	it := chatstate.ContextItem{Filename: w.Filename, Text: w.Text}
	if it.Filename == "" {
		it.Filename = w.FileName
	}
	if it.Text == "" {
		it.Text = w.Content
	}
	return it
}

// parseContext accepts an array of items, a single item or a bare string.
func parseContext(raw json.RawMessage) ([]chatstate.ContextItem, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return []chatstate.ContextItem{}, nil
	}
	switch raw[0] {
	case '[':
		var ws []json.RawMessage
		if err := json.Unmarshal(raw, &ws); err != nil {
			return nil, err
		}
		out := make([]chatstate.ContextItem, 0, len(ws))
		for _, w := range ws {
			items, err := parseContext(w)
			if err != nil {
				return nil, err
			}
			out = append(out, items...)
		}
		return out, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []chatstate.ContextItem{{Text: s}}, nil
	case '{':
		var w contextWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return []chatstate.ContextItem{w.item()}, nil
	default:
		return nil, errors.Errorf("unexpected context value %s", string(raw))
	}
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
