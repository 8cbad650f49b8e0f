package reassembly

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/naxie/pkg/chatstate"
)

func newEngine(opts ...Option) (*Engine, *chatstate.Store) {
	s := chatstate.NewStore()
	return New(s, opts...), s
}

func feed(e *Engine, frames ...string) []Result {
	out := make([]Result, 0, len(frames))
	for _, f := range frames {
		out = append(out, e.Handle([]byte(f)))
	}
	return out
}

func entries(s *chatstate.Store) []chatstate.Entry {
	return s.State().Transcript.Entries()
}

func TestFullExchange(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "hi"})
	s.Update(func(st *chatstate.State) { st.IsLoading = true })

	res := feed(e, `{"session_id":"s1"}`, "Hel", "lo", "EOF", `{"refs":[{"file_name":"a.txt"}]}`)
	kinds := make([]Kind, 0, len(res))
	for _, r := range res {
		kinds = append(kinds, r.Kind)
	}
	require.Equal(t, []Kind{KindSession, KindText, KindText, KindEndOfStream, KindMetadata}, kinds)

	st := s.State()
	require.Equal(t, "s1", st.SessionID)
	require.False(t, st.IsLoading)
	got := st.Transcript.Entries()
	require.Len(t, got, 2)
	require.Equal(t, chatstate.RoleUser, got[0].Role)
	require.Equal(t, "hi", got[0].Content)
	require.Equal(t, chatstate.RoleAssistant, got[1].Role)
	require.Equal(t, "Hello", got[1].Content)
	require.NotNil(t, got[1].Refs)
	require.Len(t, got[1].Refs.Refs, 1)
	require.Equal(t, "a.txt", got[1].Refs.Refs[0].FileName)
	require.Equal(t, -1, st.Transcript.OpenIndex())
}

func TestTextChunksConcatenateInArrivalOrder(t *testing.T) {
	chunks := []string{"The ", "quick", " brown", " ", "fox", "\n", "{not json", "42"}
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleAssistant, Content: "start:"})

	feed(e, chunks...)

	got := entries(s)
	require.Len(t, got, 1)
	want := "start:"
	for _, c := range chunks {
		want += c
	}
	require.Equal(t, want, got[0].Content)
}

func TestTextAfterUserStartsNewAssistantEntry(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})

	res := e.Handle([]byte("A"))
	require.Equal(t, KindText, res.Kind)
	require.Equal(t, 1, res.Index)
	require.Equal(t, 1, s.State().Transcript.OpenIndex())

	e.Handle([]byte("B"))
	got := entries(s)
	require.Len(t, got, 2)
	require.Equal(t, "AB", got[1].Content)
}

func TestEarlierEntriesAreNeverRewritten(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q1"})
	feed(e, "a1", "EOF")
	first := s.State().Transcript.Entries()

	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q2"})
	e.ExpectResponse()
	feed(e, "a2", "more", "EOF")

	got := entries(s)
	require.Len(t, got, 4)
	require.Equal(t, first[0], got[0])
	require.Equal(t, first[1], got[1])
	require.Equal(t, "a2more", got[3].Content)
}

func TestFirstSessionIDWins(t *testing.T) {
	e, s := newEngine()
	res := feed(e, `{"session_id":"abc"}`, `{"session_id":"xyz"}`)

	require.Equal(t, KindSession, res[0].Kind)
	require.Equal(t, KindDropped, res[1].Kind)
	require.Equal(t, "abc", s.State().SessionID)
	require.Empty(t, entries(s))
	require.True(t, e.SessionEstablished())
}

func TestSessionFrameWithoutIDIsNotText(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "hi"})

	res := feed(e, `{"session_id":""}`, `{"session_id":null}`)
	require.Equal(t, KindSession, res[0].Kind)
	require.Equal(t, KindSession, res[1].Kind)
	require.False(t, e.SessionEstablished())
	require.Equal(t, "", s.State().SessionID)
	got := entries(s)
	require.Len(t, got, 1)
	require.Equal(t, chatstate.RoleUser, got[0].Role)

	// a real id still establishes the session afterwards
	feed(e, `{"session_id":"s1"}`, `{"session_id":""}`, `{"session_id":null}`, "ok")
	require.True(t, e.SessionEstablished())
	require.Equal(t, "s1", s.State().SessionID)
	got = entries(s)
	require.Len(t, got, 2)
	require.Equal(t, "ok", got[1].Content)
}

func TestEmptySessionIDAfterEstablishedIsDropped(t *testing.T) {
	e, _ := newEngine()
	res := feed(e, `{"session_id":"s1"}`, `{"session_id":""}`, `{"session_id":null}`)
	require.Equal(t, []Kind{KindSession, KindDropped, KindDropped}, []Kind{res[0].Kind, res[1].Kind, res[2].Kind})
}

func TestResetAllowsNewSession(t *testing.T) {
	e, s := newEngine()
	feed(e, `{"session_id":"abc"}`, "x", "EOF")
	require.True(t, e.AwaitingMetadata())

	e.Reset()
	require.False(t, e.SessionEstablished())
	require.False(t, e.AwaitingMetadata())

	feed(e, `{"session_id":"def"}`)
	require.Equal(t, "def", s.State().SessionID)
}

func TestEOFWithPrefixText(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	s.Update(func(st *chatstate.State) { st.IsLoading = true })

	feed(e, "Well...", " hello EOF")

	got := entries(s)
	require.Equal(t, "Well... hello", got[1].Content)
	require.False(t, s.State().IsLoading)
	require.True(t, e.AwaitingMetadata())
}

func TestEOFAloneDoesNotCreateEntry(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	s.Update(func(st *chatstate.State) { st.IsLoading = true })

	res := e.Handle([]byte("  EOF \n"))
	require.Equal(t, KindEndOfStream, res.Kind)
	require.Nil(t, res.Entry)
	require.Len(t, entries(s), 1)
	require.False(t, s.State().IsLoading)
}

func TestEOFModes(t *testing.T) {
	cases := []struct {
		name   string
		mode   EOFMode
		frame  string
		eof    bool
		before string
	}{
		{"contains bare", EOFContains, "EOF", true, ""},
		{"contains suffix", EOFContains, "done EOF", true, "done"},
		{"contains inside word", EOFContains, "read until EOFs", true, "read until"},
		{"contains none", EOFContains, "plain", false, ""},
		{"exact bare", EOFExact, " EOF\n", true, ""},
		{"exact last word", EOFExact, "done EOF", true, "done"},
		{"exact inside word", EOFExact, "read until EOFs", false, ""},
		{"exact glued", EOFExact, "doneEOF", false, ""},
		{"exact keeps leading space", EOFExact, " world EOF", true, " world"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before, ok := splitEOF([]byte(tc.frame), tc.mode)
			require.Equal(t, tc.eof, ok)
			require.Equal(t, tc.before, before)
		})
	}
}

func TestStrictModeKeepsTokenInsideText(t *testing.T) {
	e, s := newEngine(WithEOFMode(EOFExact))
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})

	feed(e, "reads until EOFs are hit")

	got := entries(s)
	require.Equal(t, "reads until EOFs are hit", got[1].Content)
	require.False(t, e.AwaitingMetadata())
}

func TestMalformedMetadataIsDropped(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	feed(e, "answer", "EOF")
	before := s.State()

	res := e.Handle([]byte("not json at all"))
	require.Equal(t, KindDropped, res.Kind)
	require.Error(t, res.Err)
	require.Equal(t, before.Transcript.Entries(), entries(s))
	require.True(t, e.AwaitingMetadata())

	res = e.Handle([]byte(`{"refs":[{"title":"t","page":"2"}],"web_search":true}`))
	require.Equal(t, KindMetadata, res.Kind)
	last, _ := s.State().Transcript.Last()
	require.Equal(t, "answer", last.Content)
	require.Equal(t, 2, last.Refs.Refs[0].Page)
	require.True(t, *last.Refs.WebSearch)
	require.False(t, e.AwaitingMetadata())
}

func TestMetadataWithoutAssistantAppendsReferenceEntry(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	feed(e, "EOF", `{"refs":[]}`)

	got := entries(s)
	require.Len(t, got, 2)
	require.True(t, got[1].IsReferenceOnly())
	require.Equal(t, chatstate.RoleAssistant, got[1].Role)
}

func TestSecondMetadataDoesNotOverwriteCitations(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	feed(e, "a", "EOF", `{"refs":[{"file_name":"one"}]}`, `{"refs":[{"file_name":"two"}]}`)

	got := entries(s)
	require.Len(t, got, 3)
	require.Equal(t, "one", got[1].Refs.Refs[0].FileName)
	require.Equal(t, "two", got[2].Refs.Refs[0].FileName)
	require.True(t, got[2].IsReferenceOnly())
}

func TestMetadataContextBecomesState(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	feed(e, "a", "EOF")

	res := e.Handle([]byte(`{"refs":[],"context":[{"filename":"f.pdf","text":"passage"},{"file_name":"g.md","content":"other"}]}`))
	require.True(t, res.ContextChanged)
	require.Equal(t, []chatstate.ContextItem{
		{Filename: "f.pdf", Text: "passage"},
		{Filename: "g.md", Text: "other"},
	}, s.State().Context)

	res = e.Handle([]byte(`{"context":"just text"}`))
	require.Equal(t, KindMetadata, res.Kind)
	require.Nil(t, res.Entry)
	require.Equal(t, []chatstate.ContextItem{{Text: "just text"}}, s.State().Context)
	require.Len(t, entries(s), 2)
}

func TestAnswerObjectAppendsEntry(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	s.Update(func(st *chatstate.State) { st.IsLoading = true })

	res := e.Handle([]byte(`{"type":"answer","answer":"42","refs":[{"url":"http://x"}]}`))
	require.Equal(t, KindAnswer, res.Kind)
	require.Equal(t, 1, res.Index)

	st := s.State()
	require.False(t, st.IsLoading)
	last, _ := st.Transcript.Last()
	require.Equal(t, "42", last.Content)
	require.Equal(t, "http://x", last.Refs.Refs[0].URL)

	e.Handle([]byte(`{"content":"second"}`))
	require.Len(t, entries(s), 3)
}

func TestLateMetadataOutsideEOFWindow(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})
	feed(e, "streamed")

	res := e.Handle([]byte(`{"web_search":false}`))
	require.Equal(t, KindMetadata, res.Kind)
	got := entries(s)
	require.Len(t, got, 2)
	require.Equal(t, "streamed", got[1].Content)
	require.False(t, *got[1].Refs.WebSearch)
}

func TestUnrecognizedJSONFallsThroughToText(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q"})

	res := e.Handle([]byte(`{"status":"thinking"}`))
	require.Equal(t, KindText, res.Kind)
	last, _ := s.State().Transcript.Last()
	require.Equal(t, `{"status":"thinking"}`, last.Content)
}

func TestNewQueryLeavesMetadataWindow(t *testing.T) {
	e, s := newEngine()
	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q1"})
	feed(e, "a1", "EOF")
	require.True(t, e.AwaitingMetadata())

	s.AddMessage(chatstate.Entry{Role: chatstate.RoleUser, Content: "q2"})
	e.ExpectResponse()
	res := e.Handle([]byte("a2"))

	require.Equal(t, KindText, res.Kind)
	got := entries(s)
	require.Len(t, got, 4)
	require.Equal(t, "a2", got[3].Content)
}

func TestEmptyFrameIsIgnored(t *testing.T) {
	e, s := newEngine()
	calls := 0
	s.Subscribe(func(chatstate.State) { calls++ })

	res := e.Handle(nil)
	require.Equal(t, KindIgnored, res.Kind)
	require.Equal(t, 0, calls)
}

func TestParseEOFMode(t *testing.T) {
	require.Equal(t, EOFExact, ParseEOFMode("Strict"))
	require.Equal(t, EOFExact, ParseEOFMode("exact"))
	require.Equal(t, EOFContains, ParseEOFMode(""))
	require.Equal(t, "contains", EOFContains.String())
}
