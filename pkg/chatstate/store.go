// Package chatstate holds the conversation state: the transcript, connection and
// loading flags, the session id, model selection and query settings.
//
// The Store is the single source of truth. Every mutation goes through one update
// path that copies the current snapshot, applies the change and notifies listeners
// with the complete new snapshot.
package chatstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/metrics"
)

// State is an immutable snapshot. Slices inside a snapshot must be treated as read-only.
type State struct {
	Transcript    Transcript    `json:"messages"`
	IsOpen        bool          `json:"isOpen"`
	IsMaximized   bool          `json:"isMaximized"`
	IsConnected   bool          `json:"isConnected"`
	IsLoading     bool          `json:"isLoading"`
	SessionID     string        `json:"sessionId"`
	SelectedModel string        `json:"selectedModel"`
	WebSearch     bool          `json:"webSearch"`
	DeepResearch  bool          `json:"deepResearch"`
	Settings      Settings      `json:"settings"`
	Context       []ContextItem `json:"context,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Settings = s.Settings.clone()
	if s.Context != nil {
		out.Context = append([]ContextItem{}, s.Context...)
	}
	return out
}

func DefaultState() State {
	return State{
		SelectedModel: DefaultModel,
		Settings:      DefaultSettings(),
	}
}

type Listener func(State)

type listenerEntry struct {
	id uint64
	fn Listener
}

type Store struct {
	mu        sync.Mutex
	state     State
	listeners []listenerEntry
	nextID    uint64

	dispatchMu  sync.Mutex
	pending     []State
	dispatching bool
}

type Option func(*State)

func WithOpen(open bool) Option {
	return func(s *State) { s.IsOpen = open }
}

func WithSelectedModel(model string) Option {
	return func(s *State) {
		if model != "" {
			s.SelectedModel = model
		}
	}
}

func NewStore(opts ...Option) *Store {
	st := DefaultState()
	for _, o := range opts {
		o(&st)
	}
	return &Store{state: st}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn to a copy of the current state, installs the result and notifies
// listeners. The new snapshot is returned.
func (s *Store) Update(fn func(*State)) State {
	st, _ := s.apply(func(st *State) bool {
		fn(st)
		return true
	})
	return st
}

// UpdateIf is Update with a veto: when fn returns false nothing is installed and no
// listener is called.
func (s *Store) UpdateIf(fn func(*State) bool) (State, bool) {
	return s.apply(fn)
}

func (s *Store) apply(fn func(*State) bool) (State, bool) {
	s.mu.Lock()
	next := s.state.clone()
	if !fn(&next) {
		cur := s.state
		s.mu.Unlock()
		return cur, false
	}
	s.state = next
	// queue while still holding mu so delivery order matches install order
	s.dispatchMu.Lock()
	s.pending = append(s.pending, next)
	s.mu.Unlock()

	s.drain()
	return next, true
}

// drain delivers queued snapshots in the order they were installed. It expects
// dispatchMu to be held. A listener that updates the store from inside its callback
// gets its snapshot queued behind the one being delivered rather than delivered
// re-entrantly.
func (s *Store) drain() {
	if s.dispatching {
		s.dispatchMu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.dispatchMu.Unlock()

		for _, l := range s.snapshotListeners() {
			s.invoke(l, next)
		}

		s.dispatchMu.Lock()
	}
	s.dispatching = false
	s.dispatchMu.Unlock()
}

func (s *Store) snapshotListeners() []listenerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]listenerEntry(nil), s.listeners...)
}

func (s *Store) invoke(l listenerEntry, st State) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.WithLabelValues("chatstate").Inc()
			log.Error().
				Str("component", "chatstate").
				Uint64("listener", l.id).
				Str("panic", fmt.Sprint(r)).
				Msg("state listener panicked")
		}
	}()
	l.fn(st)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Store) AddMessage(e Entry) State {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return s.Update(func(st *State) {
		st.Transcript = st.Transcript.Append(e)
	})
}

// UpdateMessageAt replaces the entry at index i. Only the last entry is mutable.
func (s *Store) UpdateMessageAt(i int, e Entry) error {
	var err error
	s.UpdateIf(func(st *State) bool {
		var t Transcript
		t, err = st.Transcript.ReplaceAt(i, e)
		if err != nil {
			return false
		}
		st.Transcript = t
		return true
	})
	return err
}

// ClearHistory drops the transcript and any staged context.
func (s *Store) ClearHistory() State {
	return s.Update(func(st *State) {
		st.Transcript = Transcript{}
		st.Context = nil
	})
}

// ToggleOpen flips IsOpen and returns the new value.
func (s *Store) ToggleOpen() bool {
	return s.Update(func(st *State) { st.IsOpen = !st.IsOpen }).IsOpen
}

// ToggleMaximized flips IsMaximized and returns the new value.
func (s *Store) ToggleMaximized() bool {
	return s.Update(func(st *State) { st.IsMaximized = !st.IsMaximized }).IsMaximized
}

// Destroy removes every listener. It is safe to call more than once.
func (s *Store) Destroy() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}
