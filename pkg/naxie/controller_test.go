package naxie

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/naxie/pkg/api"
	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/eventbus"
	"github.com/go-go-golems/naxie/pkg/transport"
)

// fakeTransport runs every callback synchronously on the calling goroutine.
type fakeTransport struct {
	mu          sync.Mutex
	cfg         transport.Config
	open        bool
	sent        [][]byte
	sendErr     error
	msgHandlers []func([]byte)
	closers     []func()
	disconnects int
}

func (f *fakeTransport) Connect(_ context.Context, cfg transport.Config) error {
	f.mu.Lock()
	if f.open {
		f.mu.Unlock()
		return nil
	}
	f.cfg = cfg
	f.open = true
	f.mu.Unlock()
	if cfg.OnConnect != nil {
		cfg.OnConnect()
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	wasOpen := f.open
	f.open = false
	f.mu.Unlock()
	if wasOpen {
		f.closed()
	}
}

// drop simulates the server going away.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	if err != nil && f.cfg.OnError != nil {
		f.cfg.OnError(err)
	}
	f.closed()
}

func (f *fakeTransport) closed() {
	if f.cfg.OnDisconnect != nil {
		f.cfg.OnDisconnect()
	}
	for _, h := range f.closers {
		if h != nil {
			h()
		}
	}
}

func (f *fakeTransport) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transport.ErrNotOpen
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload.([]byte))
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) AddMessageHandler(fn func([]byte)) func() {
	f.msgHandlers = append(f.msgHandlers, fn)
	i := len(f.msgHandlers) - 1
	return func() { f.msgHandlers[i] = nil }
}

func (f *fakeTransport) AddCloseHandler(fn func()) func() {
	f.closers = append(f.closers, fn)
	i := len(f.closers) - 1
	return func() { f.closers[i] = nil }
}

func (f *fakeTransport) receive(frames ...string) {
	for _, fr := range frames {
		for _, h := range f.msgHandlers {
			if h != nil {
				h([]byte(fr))
			}
		}
	}
}

func (f *fakeTransport) payloads(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, b := range f.sent {
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func newConnected(t *testing.T, cfg Config, opts ...Option) (*Controller, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := New(cfg, append([]Option{WithTransport(ft)}, opts...)...)
	require.NoError(t, c.Connect(context.Background()))
	return c, ft
}

func TestScenarioHelloWithCitations(t *testing.T) {
	c, ft := newConnected(t, Config{})
	var received []chatstate.Entry
	c.On(eventbus.MessageReceived, func(e eventbus.Event) {
		received = append(received, e.Payload.(chatstate.Entry))
	})

	require.NoError(t, c.SendMessage("hi", nil))
	require.True(t, c.State().IsLoading)
	ft.receive(`{"session_id":"s1"}`, "Hel", "lo", "EOF", `{"refs":[{"file_name":"a.txt"}]}`)

	st := c.State()
	require.Equal(t, "s1", st.SessionID)
	require.False(t, st.IsLoading)
	got := st.Transcript.Entries()
	require.Len(t, got, 2)
	require.Equal(t, chatstate.RoleUser, got[0].Role)
	require.Equal(t, "hi", got[0].Content)
	require.Equal(t, "Hello", got[1].Content)
	require.Equal(t, "a.txt", got[1].Refs.Refs[0].FileName)

	// "Hel", "lo" and the refs update
	require.Len(t, received, 3)
	require.Equal(t, "Hello", received[2].Content)
	require.NotNil(t, received[2].Refs)
}

func TestSendMessagePayload(t *testing.T) {
	c, ft := newConnected(t, Config{CustomData: map[string]any{"tenant": "acme", "model": "custom-default"}})
	ft.receive(`{"session_id":"s9"}`)

	require.NoError(t, c.SendMessage("  question  ", map[string]any{"model": "gpt-4o", "score": "0.5"}))

	ps := ft.payloads(t)
	require.Len(t, ps, 1)
	require.Equal(t, "  question  ", ps[0]["user_query"])
	require.Equal(t, "s9", ps[0]["session_id"])
	require.Equal(t, "acme", ps[0]["tenant"])
	require.Equal(t, "gpt-4o", ps[0]["model"])
	require.Equal(t, "0.5", ps[0]["score"])
}

func TestSendMessageKeepsIndentation(t *testing.T) {
	c, ft := newConnected(t, Config{})
	code := "    func main() {\n        run()\n    }\n"
	require.NoError(t, c.SendMessage(code, nil))

	last, ok := c.State().Transcript.Last()
	require.True(t, ok)
	require.Equal(t, code, last.Content)
	ps := ft.payloads(t)
	require.Equal(t, code, ps[0]["user_query"])
}

func TestSendBeforeSessionHasEmptySessionID(t *testing.T) {
	c, ft := newConnected(t, Config{})
	require.NoError(t, c.SendMessage("x", nil))
	ps := ft.payloads(t)
	v, ok := ps[0]["session_id"]
	require.True(t, ok)
	require.Equal(t, "", v)
}

func TestBlankMessagesAreIgnored(t *testing.T) {
	c, ft := newConnected(t, Config{})
	sent := 0
	c.On(eventbus.MessageSent, func(eventbus.Event) { sent++ })

	require.NoError(t, c.SendMessage("", nil))
	require.NoError(t, c.SendMessage("   ", nil))
	require.NoError(t, c.SendMessage("\n\t", nil))

	require.Equal(t, 0, c.State().Transcript.Len())
	require.Empty(t, ft.payloads(t))
	require.Equal(t, 0, sent)
	require.False(t, c.State().IsLoading)
}

func TestSendWhileClosedKeepsMessageLocally(t *testing.T) {
	ft := &fakeTransport{}
	c := New(Config{}, WithTransport(ft))
	sent := 0
	c.On(eventbus.MessageSent, func(eventbus.Event) { sent++ })

	require.NoError(t, c.SendMessage("offline", nil))

	require.Equal(t, 1, c.State().Transcript.Len())
	require.Equal(t, 1, sent)
	require.False(t, c.State().IsLoading)
	require.Empty(t, ft.payloads(t))
}

func TestSendFailureClearsLoading(t *testing.T) {
	c, ft := newConnected(t, Config{})
	ft.sendErr = errors.New("broken pipe")

	err := c.SendMessage("x", nil)
	require.Error(t, err)
	require.False(t, c.State().IsLoading)
	require.Equal(t, 1, c.State().Transcript.Len())
}

func TestRegenerate(t *testing.T) {
	c, ft := newConnected(t, Config{})
	require.NoError(t, c.SendMessage("A", map[string]any{"model": "m1"}))
	ft.receive("B", "EOF")
	require.False(t, c.State().IsLoading)

	require.NoError(t, c.Regenerate())

	got := c.State().Transcript.Entries()
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].Content)
	require.True(t, c.State().IsLoading)
	ps := ft.payloads(t)
	require.Len(t, ps, 2)
	require.Equal(t, "A", ps[1]["user_query"])
	require.Equal(t, "m1", ps[1]["model"])

	// the new answer is read as text, not as metadata for the old one
	ft.receive("B2")
	got = c.State().Transcript.Entries()
	require.Len(t, got, 2)
	require.Equal(t, "B2", got[1].Content)
}

func TestRegenerateDiscardsPartialAnswerAfterLastUser(t *testing.T) {
	c, ft := newConnected(t, Config{})
	require.NoError(t, c.SendMessage("first", nil))
	ft.receive("one", "EOF")
	require.NoError(t, c.SendMessage("second", nil))
	ft.receive("partial")

	require.NoError(t, c.Regenerate())

	got := c.State().Transcript.Entries()
	require.Len(t, got, 3)
	require.Equal(t, "second", got[2].Content)
}

func TestRegenerateWithoutUserEntryIsNoop(t *testing.T) {
	c, ft := newConnected(t, Config{})
	ft.receive("unprompted")
	before := c.State().Transcript.Entries()
	notified := 0
	c.Subscribe(func(chatstate.State) { notified++ })

	require.NoError(t, c.Regenerate())

	require.Equal(t, before, c.State().Transcript.Entries())
	require.Empty(t, ft.payloads(t))
	require.Equal(t, 0, notified)
}

func TestToggleEventsFireOncePerCall(t *testing.T) {
	c := New(Config{DefaultOpen: false}, WithTransport(&fakeTransport{}))
	var topics []eventbus.Topic
	for _, tp := range []eventbus.Topic{eventbus.ChatOpened, eventbus.ChatClosed, eventbus.ChatMaximized, eventbus.ChatMinimized} {
		c.On(tp, func(e eventbus.Event) { topics = append(topics, e.Topic) })
	}

	require.True(t, c.ToggleOpen())
	require.False(t, c.ToggleOpen())
	require.True(t, c.ToggleMaximized())
	require.False(t, c.ToggleMaximized())

	require.Equal(t, []eventbus.Topic{
		eventbus.ChatOpened, eventbus.ChatClosed, eventbus.ChatMaximized, eventbus.ChatMinimized,
	}, topics)
}

func TestStateChangedEventsCarrySnapshots(t *testing.T) {
	c := New(Config{}, WithTransport(&fakeTransport{}))
	var last chatstate.State
	count := 0
	c.On(eventbus.StateChanged, func(e eventbus.Event) {
		last = e.Payload.(chatstate.State)
		count++
	})

	c.SetSelectedModel("mistral")

	require.Equal(t, 1, count)
	require.Equal(t, "mistral", last.SelectedModel)
}

func TestConnectionLifecycle(t *testing.T) {
	var userCalls []string
	cfg := Config{Websocket: transport.Config{
		OnConnect:    func() { userCalls = append(userCalls, "connect") },
		OnDisconnect: func() { userCalls = append(userCalls, "disconnect") },
		OnError:      func(error) { userCalls = append(userCalls, "error") },
	}}
	c, ft := newConnected(t, cfg)
	var topics []eventbus.Topic
	for _, tp := range []eventbus.Topic{eventbus.ConnectionOpened, eventbus.ConnectionClosed, eventbus.ConnectionError} {
		c.On(tp, func(e eventbus.Event) { topics = append(topics, e.Topic) })
	}
	require.True(t, c.State().IsConnected)
	require.NotEmpty(t, c.ConnectionID())

	require.NoError(t, c.SendMessage("q", nil))
	ft.receive(`{"session_id":"s1"}`, "part")
	ft.drop(errors.New("reset by peer"))

	st := c.State()
	require.False(t, st.IsConnected)
	require.False(t, st.IsLoading)
	require.Equal(t, "", st.SessionID)
	require.Equal(t, -1, st.Transcript.OpenIndex())
	require.Equal(t, []eventbus.Topic{eventbus.ConnectionError, eventbus.ConnectionClosed}, topics)
	require.Equal(t, []string{"connect", "error", "disconnect"}, userCalls)

	// a new connection accepts a new session
	require.NoError(t, c.Connect(context.Background()))
	ft.receive(`{"session_id":"s2"}`)
	require.Equal(t, "s2", c.State().SessionID)
}

func TestSettingsAndExtras(t *testing.T) {
	c := New(Config{DefaultModel: "gpt-4o"}, WithTransport(&fakeTransport{}))
	c.UpdateSettings(
		chatstate.WithDomain(&chatstate.Domain{ID: "d1", Name: "Legal"}),
		chatstate.WithTags(chatstate.Tag{ID: "t1"}, chatstate.Tag{ID: "t2"}),
		chatstate.WithSensitivity(100),
		chatstate.WithPrompt("short"),
	)
	c.SetWebSearch(true)
	c.SetDeepResearch(true)

	ex := c.QueryExtras()
	require.Equal(t, "gpt-4o", ex["model"])
	require.Equal(t, true, ex["web_search"])
	require.Equal(t, true, ex["deep_research"])
	require.Equal(t, "d1", ex["domain"])
	require.Equal(t, []string{"t1", "t2"}, ex["tags"])
	require.Equal(t, "0.99", ex["score"])
	require.Equal(t, "short", ex["prompt"])

	c.ResetSettings()
	s := c.State().Settings
	require.Nil(t, s.Domain)
	require.Empty(t, s.Tags)
	require.Equal(t, chatstate.DefaultSensitivity, s.Sensitivity)
	require.Equal(t, "", s.Prompt)
	_, hasDomain := c.QueryExtras()["domain"]
	require.False(t, hasDomain)
}

func TestSensitivityScore(t *testing.T) {
	cases := map[int]string{1: "0.10", 12: "0.20", 70: "0.72", 100: "0.99", 50: "0.54", 0: "0.09"}
	for in, want := range cases {
		require.Equal(t, want, SensitivityScore(in), "sensitivity %d", in)
	}
}

func TestSendQueryUsesState(t *testing.T) {
	c, ft := newConnected(t, Config{})
	c.SetSelectedModel("mistral")
	require.NoError(t, c.SendQuery("q"))
	ps := ft.payloads(t)
	require.Equal(t, "mistral", ps[0]["model"])
	require.Equal(t, "0.72", ps[0]["score"])
}

func TestContextEventsAndClearing(t *testing.T) {
	c, ft := newConnected(t, Config{})
	var changes [][]chatstate.ContextItem
	c.On(eventbus.ContextChanged, func(e eventbus.Event) {
		changes = append(changes, e.Payload.([]chatstate.ContextItem))
	})

	require.NoError(t, c.SendMessage("q", nil))
	ft.receive("a", "EOF", `{"refs":[],"context":[{"filename":"f","text":"t"}]}`)
	require.Len(t, c.State().Context, 1)

	c.ClearContext()
	c.ClearContext()
	require.Empty(t, c.State().Context)
	require.Len(t, changes, 2)
	require.Nil(t, changes[1])

	c.ClearHistory()
	require.Equal(t, 0, c.State().Transcript.Len())
	require.Len(t, changes, 2)
}

func TestDestroyIsIdempotent(t *testing.T) {
	c, ft := newConnected(t, Config{})
	busCalls := 0
	c.On(eventbus.ChatOpened, func(eventbus.Event) { busCalls++ })

	c.Destroy()
	c.Destroy()

	require.Equal(t, 1, ft.disconnects)
	require.False(t, ft.IsOpen())
	c.ToggleOpen()
	require.Equal(t, 0, busCalls)
	require.ErrorIs(t, c.SendMessage("x", nil), ErrDestroyed)
	require.ErrorIs(t, c.Connect(context.Background()), ErrDestroyed)
	require.ErrorIs(t, c.Regenerate(), ErrDestroyed)
	ft.receive("late frame")
	require.Equal(t, 0, c.State().Transcript.Len())
}

type fakeAPI struct {
	models    []api.Model
	modelsErr error
	opts      api.SettingsOptions
	optsErr   error
	uploadErr error
	uploaded  []string
}

func (f *fakeAPI) FetchModels(context.Context) ([]api.Model, error) {
	if f.modelsErr != nil {
		return []api.Model{}, f.modelsErr
	}
	return f.models, nil
}

func (f *fakeAPI) FetchSettingsOptions(context.Context) (api.SettingsOptions, error) {
	return f.opts, f.optsErr
}

func (f *fakeAPI) UploadDocuments(_ context.Context, files []api.File) error {
	for _, fl := range files {
		f.uploaded = append(f.uploaded, fl.Name)
	}
	return f.uploadErr
}

func TestLoadModelsSelectsFirstUnknown(t *testing.T) {
	fa := &fakeAPI{models: []api.Model{{ID: "mistral", Name: "mistral"}, {ID: "llama", Name: "llama"}}}
	c := New(Config{}, WithTransport(&fakeTransport{}), WithAPIClient(fa))

	models := c.LoadModels(context.Background())
	require.Len(t, models, 2)
	require.Equal(t, "mistral", c.State().SelectedModel)

	c.SetSelectedModel("llama")
	c.LoadModels(context.Background())
	require.Equal(t, "llama", c.State().SelectedModel)
}

func TestLoadFailuresEmitNotices(t *testing.T) {
	fa := &fakeAPI{
		modelsErr: errors.Wrap(api.ErrUnauthorized, "GET /naxie/naxie-models"),
		optsErr:   errors.New("connection refused"),
	}
	c := New(Config{}, WithTransport(&fakeTransport{}), WithAPIClient(fa))
	var notices []eventbus.NoticePayload
	c.On(eventbus.Notice, func(e eventbus.Event) { notices = append(notices, e.Payload.(eventbus.NoticePayload)) })

	require.Empty(t, c.LoadModels(context.Background()))
	c.LoadSettingsOptions(context.Background())

	require.Len(t, notices, 2)
	require.Equal(t, eventbus.NoticeAuth, notices[0].Kind)
	require.Equal(t, "apiKey expires or invalid", notices[0].Message)
	require.Equal(t, eventbus.NoticeNetwork, notices[1].Kind)
	require.Equal(t, chatstate.DefaultModel, c.State().SelectedModel)
}

func TestMissingAPIKeyIsSilent(t *testing.T) {
	fa := &fakeAPI{modelsErr: api.ErrMissingAPIKey}
	c := New(Config{}, WithTransport(&fakeTransport{}), WithAPIClient(fa))
	notices := 0
	c.On(eventbus.Notice, func(eventbus.Event) { notices++ })

	require.Empty(t, c.LoadModels(context.Background()))
	require.Equal(t, 0, notices)
}

func TestUploadPropagatesErrors(t *testing.T) {
	fa := &fakeAPI{uploadErr: api.ErrUnauthorized}
	c := New(Config{}, WithTransport(&fakeTransport{}), WithAPIClient(fa))

	err := c.Upload(context.Background(), api.File{Name: "a.pdf"})
	require.ErrorIs(t, err, api.ErrUnauthorized)
	require.Equal(t, []string{"a.pdf"}, fa.uploaded)

	require.Error(t, New(Config{}, WithTransport(&fakeTransport{})).Upload(context.Background()))
}

type memRecorder struct {
	frames []string
	dirs   []bool
}

func (m *memRecorder) RecordFrame(_ string, inbound bool, payload []byte) {
	m.frames = append(m.frames, string(payload))
	m.dirs = append(m.dirs, inbound)
}

func TestRecorderSeesBothDirections(t *testing.T) {
	rec := &memRecorder{}
	c, ft := newConnected(t, Config{}, WithRecorder(rec))
	require.NoError(t, c.SendMessage("q", nil))
	ft.receive("a")

	require.Len(t, rec.frames, 2)
	require.Equal(t, []bool{false, true}, rec.dirs)
	require.Equal(t, "a", rec.frames[1])
}
