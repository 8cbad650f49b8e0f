// Package transport owns the single websocket connection a chat controller talks over.
//
// An Adapter holds at most one live connection. Inbound frames are read on one
// goroutine and handed to message handlers in arrival order. The adapter never
// reconnects on its own.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/metrics"
)

var (
	// ErrNotOpen is returned by Send when there is no open connection.
	ErrNotOpen = errors.New("transport: connection is not open")
	// ErrAlreadyConnected is logged when Connect is called on a busy adapter. Connect
	// itself still returns nil in that case.
	ErrAlreadyConnected = errors.New("transport: connection already open")
)

const DefaultHandshakeTimeout = 10 * time.Second

// Config describes one connection. The callbacks fire at most once per lifecycle event.
type Config struct {
	BaseURL          string
	Endpoint         string
	Header           http.Header
	HandshakeTimeout time.Duration

	OnConnect    func()
	OnDisconnect func()
	OnError      func(error)
}

// URL joins BaseURL and Endpoint with exactly one slash.
func (c Config) URL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	ep := strings.TrimLeft(c.Endpoint, "/")
	switch {
	case base == "":
		return c.Endpoint
	case ep == "":
		return base
	default:
		return base + "/" + ep
	}
}

type handler[T any] struct {
	id uint64
	fn T
}

// session is one live connection. A new one is created per successful dial so
// a late close from an old connection cannot clear a newer handle.
type session struct {
	id      uint64
	conn    *websocket.Conn
	cfg     Config
	done    chan struct{}
	closing atomic.Bool
}

type Adapter struct {
	mu      sync.Mutex
	current *session
	dialing bool
	nextSID uint64

	writeMu sync.Mutex

	handlersMu    sync.Mutex
	nextHandler   uint64
	msgHandlers   []handler[func([]byte)]
	closeHandlers []handler[func()]

	dialer *websocket.Dialer
}

func New() *Adapter {
	return &Adapter{dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment}}
}

// Connect dials cfg.URL(). When a connection is already open or being dialed it logs a
// warning and returns nil. Dial failures are reported to cfg.OnError and returned.
func (a *Adapter) Connect(ctx context.Context, cfg Config) error {
	a.mu.Lock()
	if a.current != nil || a.dialing {
		a.mu.Unlock()
		log.Warn().Err(ErrAlreadyConnected).Str("component", "transport").Str("url", cfg.URL()).Msg("connect ignored")
		return nil
	}
	a.dialing = true
	a.mu.Unlock()

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := *a.dialer
	dialer.HandshakeTimeout = timeout

	url := cfg.URL()
	log.Debug().Str("component", "transport").Str("url", url).Msg("dialing")
	conn, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		a.mu.Lock()
		a.dialing = false
		a.mu.Unlock()
		metrics.ConnectionEvents.WithLabelValues("error").Inc()
		err = errors.Wrapf(err, "dial %s", url)
		log.Warn().Err(err).Str("component", "transport").Msg("connect failed")
		if cfg.OnError != nil {
			cfg.OnError(err)
		}
		return err
	}

	a.mu.Lock()
	a.nextSID++
	s := &session{id: a.nextSID, conn: conn, cfg: cfg, done: make(chan struct{})}
	a.current = s
	a.dialing = false
	a.mu.Unlock()

	metrics.ConnectionEvents.WithLabelValues("open").Inc()
	log.Info().Str("component", "transport").Str("url", url).Uint64("session", s.id).Msg("connected")
	if cfg.OnConnect != nil {
		cfg.OnConnect()
	}
	go a.readLoop(s)
	return nil
}

// IsOpen reports whether a connection is currently held.
func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil && !a.current.closing.Load()
}

// Send JSON-encodes payload and writes it as one text frame. Strings and byte slices
// are sent as-is. Without an open connection it warns and returns ErrNotOpen.
func (a *Adapter) Send(payload any) error {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil || s.closing.Load() {
		log.Warn().Str("component", "transport").Msg("send called without an open connection; dropping payload")
		return ErrNotOpen
	}

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encode payload")
		}
		data = b
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Disconnect starts closing the active connection, if any. Lifecycle callbacks fire
// from the read goroutine once the connection is down; use Wait to block on that.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil || !s.closing.CompareAndSwap(false, true) {
		return
	}
	log.Debug().Str("component", "transport").Uint64("session", s.id).Msg("disconnecting")

	a.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	a.writeMu.Unlock()
	_ = s.conn.Close()
}

// Wait blocks until the current connection, if any, has finished its close handling.
func (a *Adapter) Wait(ctx context.Context) error {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddMessageHandler registers fn for every inbound frame and returns its remover.
func (a *Adapter) AddMessageHandler(fn func([]byte)) func() {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.nextHandler++
	id := a.nextHandler
	a.msgHandlers = append(a.msgHandlers, handler[func([]byte)]{id: id, fn: fn})
	return func() {
		a.handlersMu.Lock()
		defer a.handlersMu.Unlock()
		a.msgHandlers = removeHandler(a.msgHandlers, id)
	}
}

// AddCloseHandler registers fn to run after OnDisconnect whenever a connection closes.
func (a *Adapter) AddCloseHandler(fn func()) func() {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.nextHandler++
	id := a.nextHandler
	a.closeHandlers = append(a.closeHandlers, handler[func()]{id: id, fn: fn})
	return func() {
		a.handlersMu.Lock()
		defer a.handlersMu.Unlock()
		a.closeHandlers = removeHandler(a.closeHandlers, id)
	}
}

func removeHandler[T any](hs []handler[T], id uint64) []handler[T] {
	for i, h := range hs {
		if h.id == id {
			return append(hs[:i:i], hs[i+1:]...)
		}
	}
	return hs
}

func (a *Adapter) readLoop(s *session) {
	var readErr error
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		metrics.ConnectionEvents.WithLabelValues("frame").Inc()
		a.dispatchMessage(data)
	}
	_ = s.conn.Close()

	closedByUs := s.closing.Load()
	if !closedByUs && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		metrics.ConnectionEvents.WithLabelValues("error").Inc()
		log.Warn().Err(readErr).Str("component", "transport").Uint64("session", s.id).Msg("connection lost")
		if s.cfg.OnError != nil {
			safeCall("on_error", func() { s.cfg.OnError(errors.Wrap(readErr, "read frame")) })
		}
	}

	metrics.ConnectionEvents.WithLabelValues("close").Inc()
	log.Info().Str("component", "transport").Uint64("session", s.id).Bool("local", closedByUs).Msg("disconnected")
	if s.cfg.OnDisconnect != nil {
		safeCall("on_disconnect", s.cfg.OnDisconnect)
	}
	a.handlersMu.Lock()
	closers := append([]handler[func()](nil), a.closeHandlers...)
	a.handlersMu.Unlock()
	for _, h := range closers {
		safeCall("close_handler", h.fn)
	}

	a.mu.Lock()
	if a.current == s {
		a.current = nil
	}
	a.mu.Unlock()
	close(s.done)
}

func (a *Adapter) dispatchMessage(data []byte) {
	a.handlersMu.Lock()
	hs := append([]handler[func([]byte)](nil), a.msgHandlers...)
	a.handlersMu.Unlock()
	for _, h := range hs {
		safeCall("message_handler", func() { h.fn(data) })
	}
}

// safeCall keeps a misbehaving handler from taking the read goroutine down.
func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.WithLabelValues("transport").Inc()
			log.Error().
				Str("component", "transport").
				Str("handler", name).
				Str("panic", fmt.Sprint(r)).
				Msg("handler panicked")
		}
	}()
	fn()
}
