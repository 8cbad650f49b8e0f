// Package naxie is the chat controller that view layers talk to.
//
// A Controller owns one transport connection, one state store, one reassembly engine
// and one event bus. Several controllers can live in the same process without
// sharing anything.
package naxie

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/eventbus"
	"github.com/go-go-golems/naxie/pkg/metrics"
	"github.com/go-go-golems/naxie/pkg/reassembly"
	"github.com/go-go-golems/naxie/pkg/transport"
)

// ErrDestroyed is returned by operations called after Destroy.
var ErrDestroyed = errors.New("naxie: controller destroyed")

// Transport is the connection the controller drives. *transport.Adapter implements it.
type Transport interface {
	Connect(ctx context.Context, cfg transport.Config) error
	Disconnect()
	Send(payload any) error
	IsOpen() bool
	AddMessageHandler(fn func([]byte)) func()
	AddCloseHandler(fn func()) func()
}

// FrameRecorder receives every raw frame that crosses the transport.
type FrameRecorder interface {
	RecordFrame(connectionID string, inbound bool, payload []byte)
}

type Config struct {
	Websocket    transport.Config
	CustomData   map[string]any
	DefaultOpen  bool
	DefaultModel string
	EOFMode      reassembly.EOFMode
}

type Controller struct {
	cfg       Config
	store     *chatstate.Store
	bus       *eventbus.Bus
	engine    *reassembly.Engine
	transport Transport
	api       APIClient
	recorder  FrameRecorder

	// sendMu serializes the append-then-transmit sequence of sends and regenerates.
	sendMu    sync.Mutex
	lastExtra map[string]any

	mu        sync.Mutex
	connID    string
	removers  []func()
	destroyed bool
	once      sync.Once
}

type Option func(*Controller)

func WithTransport(t Transport) Option {
	return func(c *Controller) { c.transport = t }
}

func WithAPIClient(a APIClient) Option {
	return func(c *Controller) { c.api = a }
}

func WithRecorder(r FrameRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.transport == nil {
		c.transport = transport.New()
	}
	c.store = chatstate.NewStore(
		chatstate.WithOpen(cfg.DefaultOpen),
		chatstate.WithSelectedModel(cfg.DefaultModel),
	)
	c.bus = eventbus.New()
	c.engine = reassembly.New(c.store, reassembly.WithEOFMode(cfg.EOFMode))

	c.removers = append(c.removers,
		c.transport.AddMessageHandler(c.handleFrame),
		c.transport.AddCloseHandler(c.handleClose),
		c.store.Subscribe(func(st chatstate.State) { c.bus.Emit(eventbus.StateChanged, st) }),
	)
	return c
}

// Connect opens the websocket described by Config.Websocket. The caller's lifecycle
// callbacks run after the controller has updated its own state.
func (c *Controller) Connect(ctx context.Context) error {
	if c.isDestroyed() {
		return ErrDestroyed
	}
	user := c.cfg.Websocket
	wc := user
	wc.OnConnect = func() {
		c.mu.Lock()
		c.connID = uuid.NewString()
		c.mu.Unlock()
		c.store.Update(func(st *chatstate.State) { st.IsConnected = true })
		c.bus.Emit(eventbus.ConnectionOpened, nil)
		if user.OnConnect != nil {
			user.OnConnect()
		}
	}
	wc.OnDisconnect = func() {
		c.store.Update(func(st *chatstate.State) { st.IsConnected = false })
		c.bus.Emit(eventbus.ConnectionClosed, nil)
		if user.OnDisconnect != nil {
			user.OnDisconnect()
		}
	}
	wc.OnError = func(err error) {
		c.bus.Emit(eventbus.ConnectionError, err)
		if user.OnError != nil {
			user.OnError(err)
		}
	}
	return c.transport.Connect(ctx, wc)
}

// Disconnect closes the connection. State is reset by the close handler once the
// transport reports the close.
func (c *Controller) Disconnect() {
	c.transport.Disconnect()
}

func (c *Controller) IsOpen() bool { return c.transport.IsOpen() }

// ConnectionID identifies the current (or last) connection in frame captures.
func (c *Controller) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Controller) handleFrame(data []byte) {
	c.record(true, data)
	res := c.engine.Handle(data)
	if res.Entry != nil {
		c.bus.Emit(eventbus.MessageReceived, *res.Entry)
	}
	if res.ContextChanged {
		c.bus.Emit(eventbus.ContextChanged, res.Context)
	}
}

func (c *Controller) handleClose() {
	c.engine.Reset()
	c.store.Update(func(st *chatstate.State) {
		st.IsLoading = false
		st.IsConnected = false
		st.SessionID = ""
		st.Transcript = st.Transcript.CloseOpen()
	})
}

func (c *Controller) record(inbound bool, data []byte) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordFrame(c.ConnectionID(), inbound, data)
}

// SendMessage records text as a user entry and, when the connection is open, sends it
// with extra merged over the configured custom data. Blank text is ignored; other text is
// kept as typed, surrounding whitespace included. Without an
// open connection the entry stays local and nothing is sent.
func (c *Controller) SendMessage(text string, extra map[string]any) error {
	if c.isDestroyed() {
		return ErrDestroyed
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.lastExtra = cloneMap(extra)
	entry := chatstate.Entry{Role: chatstate.RoleUser, Content: text}
	st := c.store.AddMessage(entry)
	if last, ok := st.Transcript.Last(); ok {
		entry = last
	}
	c.bus.Emit(eventbus.MessageSent, entry)

	return c.submit(text, c.lastExtra)
}

// SendQuery is SendMessage with the current model, toggles and settings as extras.
func (c *Controller) SendQuery(text string) error {
	return c.SendMessage(text, c.QueryExtras())
}

// Regenerate drops everything after the most recent user entry and sends that entry
// again with the extras of the last send. Without a user entry it does nothing.
func (c *Controller) Regenerate() error {
	if c.isDestroyed() {
		return ErrDestroyed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var text string
	_, ok := c.store.UpdateIf(func(st *chatstate.State) bool {
		idx := st.Transcript.LastIndexOf(chatstate.RoleUser)
		if idx < 0 {
			return false
		}
		e, _ := st.Transcript.At(idx)
		text = e.Content
		st.Transcript = st.Transcript.TruncateTo(idx + 1)
		return true
	})
	if !ok {
		return nil
	}
	log.Debug().Str("component", "naxie").Msg("regenerating last answer")
	return c.submit(text, c.lastExtra)
}

func (c *Controller) submit(text string, extra map[string]any) error {
	if !c.transport.IsOpen() {
		log.Warn().Str("component", "naxie").Msg("connection not open; message kept locally and not sent")
		return nil
	}

	payload := map[string]any{
		"user_query": text,
		"session_id": c.store.State().SessionID,
	}
	for k, v := range c.cfg.CustomData {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode query")
	}

	c.engine.ExpectResponse()
	c.store.Update(func(st *chatstate.State) { st.IsLoading = true })
	if err := c.transport.Send(b); err != nil {
		c.store.Update(func(st *chatstate.State) { st.IsLoading = false })
		return errors.Wrap(err, "send query")
	}
	c.record(false, b)
	metrics.MessagesSent.Inc()
	return nil
}

// ToggleOpen flips the panel and emits chat:opened or chat:closed.
func (c *Controller) ToggleOpen() bool {
	open := c.store.ToggleOpen()
	if open {
		c.bus.Emit(eventbus.ChatOpened, nil)
	} else {
		c.bus.Emit(eventbus.ChatClosed, nil)
	}
	return open
}

// ToggleMaximized flips the panel size and emits chat:maximized or chat:minimized.
func (c *Controller) ToggleMaximized() bool {
	maximized := c.store.ToggleMaximized()
	if maximized {
		c.bus.Emit(eventbus.ChatMaximized, nil)
	} else {
		c.bus.Emit(eventbus.ChatMinimized, nil)
	}
	return maximized
}

func (c *Controller) State() chatstate.State { return c.store.State() }

// Subscribe registers a state listener and returns its remover.
func (c *Controller) Subscribe(fn chatstate.Listener) func() { return c.store.Subscribe(fn) }

func (c *Controller) On(topic eventbus.Topic, fn eventbus.Listener) eventbus.Subscription {
	return c.bus.On(topic, fn)
}

func (c *Controller) OnAny(fn eventbus.Listener) eventbus.Subscription {
	return c.bus.OnAny(fn)
}

func (c *Controller) Off(sub eventbus.Subscription) { c.bus.Off(sub) }

// Bus exposes the event bus for mirrors and other infrastructure.
func (c *Controller) Bus() *eventbus.Bus { return c.bus }

// Destroy disconnects, drops every store and bus listener and detaches from the
// transport. Later calls do nothing.
func (c *Controller) Destroy() {
	c.once.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		removers := c.removers
		c.removers = nil
		c.mu.Unlock()

		c.transport.Disconnect()
		for _, r := range removers {
			r()
		}
		c.store.Destroy()
		c.bus.RemoveAllListeners()
		log.Debug().Str("component", "naxie").Msg("controller destroyed")
	})
}

func (c *Controller) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
