// Package reassembly turns the raw frames of one connection into transcript updates.
//
// Frames share a single channel with no envelope, so each one is classified by content.
// The first matching rule wins:
//
//  1. a JSON object with session_id, honored once per connection
//  2. a frame containing the EOF token, which ends the stream
//  3. right after EOF, a JSON object with citation metadata
//  4. a JSON object with type "answer" or a content/answer field
//  5. a JSON object with refs, web_search or context outside the EOF window
//  6. anything else, appended to the streaming assistant entry
//
// Malformed frames never stop the engine.
package reassembly

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/metrics"
)

// Result describes what one frame did to the state.
type Result struct {
	Kind Kind
	// Entry is the assistant entry created or updated by the frame, if any.
	Entry *chatstate.Entry
	// Index is Entry's position in the transcript, -1 when Entry is nil.
	Index int
	// ContextChanged is set when the frame replaced State.Context.
	ContextChanged bool
	Context        []chatstate.ContextItem
	// Err is set for frames that were logged and dropped.
	Err error
}

type Engine struct {
	store *chatstate.Store

	mu                 sync.Mutex
	sessionEstablished bool
	awaitingMetadata   bool
	eofMode            EOFMode
}

type Option func(*Engine)

func WithEOFMode(m EOFMode) Option {
	return func(e *Engine) { e.eofMode = m }
}

func New(store *chatstate.Store, opts ...Option) *Engine {
	e := &Engine{store: store}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Reset forgets the per-connection flags. Call it when the connection closes.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.sessionEstablished = false
	e.awaitingMetadata = false
	e.mu.Unlock()
}

// ExpectResponse is called when a new query goes out. Any metadata still pending for
// the previous answer is abandoned so the new stream is read as text.
func (e *Engine) ExpectResponse() {
	e.mu.Lock()
	e.awaitingMetadata = false
	e.mu.Unlock()
}

func (e *Engine) SessionEstablished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionEstablished
}

func (e *Engine) AwaitingMetadata() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaitingMetadata
}

// Handle classifies one inbound frame and applies it to the store. It must be called
// from a single goroutine, in arrival order.
func (e *Engine) Handle(raw []byte) Result {
	res := e.handle(raw)
	metrics.FramesTotal.WithLabelValues(res.Kind.String()).Inc()
	if res.Err != nil {
		log.Error().Err(res.Err).Str("component", "reassembly").Str("kind", res.Kind.String()).Msg("frame dropped")
		return res
	}
	log.Debug().Str("component", "reassembly").Str("kind", res.Kind.String()).Int("bytes", len(raw)).Msg("frame")
	return res
}

func (e *Engine) handle(raw []byte) Result {
	if len(raw) == 0 {
		return Result{Kind: KindIgnored, Index: -1}
	}
	f := newFrame(raw)

	e.mu.Lock()
	established := e.sessionEstablished
	awaiting := e.awaitingMetadata
	mode := e.eofMode
	e.mu.Unlock()

	if id, present := f.sessionID(); present {
		switch {
		case id != "" && !established:
			e.mu.Lock()
			e.sessionEstablished = true
			e.mu.Unlock()
			e.store.Update(func(st *chatstate.State) { st.SessionID = id })
			return Result{Kind: KindSession, Index: -1}
		case f.isAnswer() || f.isMetadata():
			// carries content; the remaining rules decide
		case !established:
			log.Debug().Str("component", "reassembly").Msg("session frame without an id ignored")
			return Result{Kind: KindSession, Index: -1}
		default:
			log.Debug().Str("component", "reassembly").Str("session_id", id).Msg("duplicate session frame dropped")
			return Result{Kind: KindDropped, Index: -1}
		}
	}

	if before, ok := splitEOF(raw, mode); ok {
		e.mu.Lock()
		e.awaitingMetadata = true
		e.mu.Unlock()
		return e.endOfStream(before)
	}

	if awaiting {
		md, err := parseMetadata(f)
		if err != nil {
			return Result{Kind: KindDropped, Index: -1, Err: err}
		}
		e.mu.Lock()
		e.awaitingMetadata = false
		e.mu.Unlock()
		return e.applyMetadata(md)
	}

	if f.isAnswer() {
		return e.answer(f)
	}

	if f.isMetadata() {
		md, err := parseMetadata(f)
		if err == nil {
			return e.applyMetadata(md)
		}
		log.Debug().Err(err).Str("component", "reassembly").Msg("metadata-shaped frame did not decode, treating as text")
	}

	return e.appendText(string(raw))
}

func (e *Engine) endOfStream(before string) Result {
	res := Result{Kind: KindEndOfStream, Index: -1}
	e.store.Update(func(st *chatstate.State) {
		if before != "" {
			tr, idx, entry := appendChunk(st.Transcript, before)
			st.Transcript = tr
			res.Entry, res.Index = &entry, idx
		}
		st.Transcript = st.Transcript.CloseOpen()
		st.IsLoading = false
	})
	return res
}

func (e *Engine) answer(f frame) Result {
	entry := chatstate.Entry{
		Role:      chatstate.RoleAssistant,
		Content:   f.answerText(),
		Timestamp: time.Now(),
	}
	if f.isMetadata() {
		if md, err := parseMetadata(f); err == nil {
			entry.Refs = md.citations
		}
	}
	res := Result{Kind: KindAnswer, Entry: &entry}
	e.store.Update(func(st *chatstate.State) {
		st.Transcript = st.Transcript.CloseOpen().Append(entry)
		st.IsLoading = false
		res.Index = st.Transcript.Len() - 1
	})
	return res
}

func (e *Engine) applyMetadata(md metadata) Result {
	res := Result{Kind: KindMetadata, Index: -1}
	e.store.Update(func(st *chatstate.State) {
		st.IsLoading = false
		if md.hasContext {
			st.Context = md.context
			res.ContextChanged = true
			res.Context = md.context
		}
		if md.citations == nil {
			return
		}
		tr := st.Transcript.CloseOpen()
		last, ok := tr.Last()
		if ok && last.Role == chatstate.RoleAssistant && last.Refs == nil {
			last.Refs = md.citations
			tr = tr.ReplaceLast(last)
			res.Entry, res.Index = &last, tr.Len()-1
		} else {
			// citations stay immutable once attached; extra metadata gets its own entry
			entry := chatstate.Entry{Role: chatstate.RoleAssistant, Timestamp: time.Now(), Refs: md.citations}
			tr = tr.Append(entry)
			res.Entry, res.Index = &entry, tr.Len()-1
		}
		st.Transcript = tr
	})
	return res
}

func (e *Engine) appendText(text string) Result {
	res := Result{Kind: KindText}
	e.store.Update(func(st *chatstate.State) {
		tr, idx, entry := appendChunk(st.Transcript, text)
		st.Transcript = tr
		res.Entry, res.Index = &entry, idx
	})
	return res
}

// appendChunk grows the last assistant entry by text, or starts a new streaming entry
// when the last entry is not from the assistant.
func appendChunk(tr chatstate.Transcript, text string) (chatstate.Transcript, int, chatstate.Entry) {
	last, ok := tr.Last()
	if ok && last.Role == chatstate.RoleAssistant {
		last.Content += text
		tr = tr.ReplaceLastOpen(last)
		return tr, tr.Len() - 1, last
	}
	entry := chatstate.Entry{Role: chatstate.RoleAssistant, Content: text, Timestamp: time.Now()}
	tr = tr.AppendOpen(entry)
	return tr, tr.Len() - 1, entry
}
