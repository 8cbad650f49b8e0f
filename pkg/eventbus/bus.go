// Package eventbus is a small synchronous publish/subscribe hub keyed by Topic.
//
// Listeners run on the emitting goroutine in registration order. A panicking
// listener is logged and skipped; the others still run.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/metrics"
)

type Event struct {
	Topic   Topic
	Payload any
	At      time.Time
}

type Listener func(Event)

// Subscription identifies a registered listener. Go funcs are not comparable, so
// removal goes through the handle instead of the function value.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    uint64
	any   bool
}

// Unsubscribe removes the listener. It is safe to call more than once and on the zero value.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Off(s)
	}
}

type entry struct {
	id uint64
	fn Listener
}

type Bus struct {
	mu        sync.RWMutex
	listeners map[Topic][]entry
	wildcard  []entry
	nextID    uint64
}

func New() *Bus {
	return &Bus{listeners: map[Topic][]entry{}}
}

// On registers fn for topic.
func (b *Bus) On(topic Topic, fn Listener) Subscription {
	if fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], entry{id: b.nextID, fn: fn})
	return Subscription{bus: b, topic: topic, id: b.nextID}
}

// OnAny registers fn for every topic. Wildcard listeners run after the topic listeners.
func (b *Bus) OnAny(fn Listener) Subscription {
	if fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.wildcard = append(b.wildcard, entry{id: b.nextID, fn: fn})
	return Subscription{bus: b, id: b.nextID, any: true}
}

// Off removes the listener behind sub. Unknown subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	if sub.bus != b || sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.any {
		b.wildcard = without(b.wildcard, sub.id)
		return
	}
	ls := without(b.listeners[sub.topic], sub.id)
	if len(ls) == 0 {
		delete(b.listeners, sub.topic)
		return
	}
	b.listeners[sub.topic] = ls
}

func without(ls []entry, id uint64) []entry {
	for i, l := range ls {
		if l.id == id {
			return append(ls[:i:i], ls[i+1:]...)
		}
	}
	return ls
}

// Emit calls every listener for topic with payload. Listeners registered or removed
// during the call take effect from the next Emit.
func (b *Bus) Emit(topic Topic, payload any) {
	b.mu.RLock()
	ls := append([]entry(nil), b.listeners[topic]...)
	ls = append(ls, b.wildcard...)
	b.mu.RUnlock()
	if len(ls) == 0 {
		return
	}

	ev := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, l := range ls {
		b.invoke(l, ev)
	}
}

func (b *Bus) invoke(l entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.WithLabelValues("eventbus").Inc()
			log.Error().
				Str("component", "eventbus").
				Str("topic", string(ev.Topic)).
				Str("panic", fmt.Sprint(r)).
				Msg("event listener panicked")
		}
	}()
	l.fn(ev)
}

// RemoveAllListeners drops the listeners of the given topics, or of every topic
// (wildcards included) when none are given.
func (b *Bus) RemoveAllListeners(topics ...Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		b.listeners = map[Topic][]entry{}
		b.wildcard = nil
		return
	}
	for _, t := range topics {
		delete(b.listeners, t)
	}
}

func (b *Bus) ListenerCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

// Topics returns the topics that currently have at least one listener.
func (b *Bus) Topics() []Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Topic, 0, len(b.listeners))
	for _, t := range AllTopics() {
		if len(b.listeners[t]) > 0 {
			out = append(out, t)
		}
	}
	for t, ls := range b.listeners {
		if len(ls) > 0 && !known(t) {
			out = append(out, t)
		}
	}
	return out
}

func known(t Topic) bool {
	for _, k := range AllTopics() {
		if k == t {
			return true
		}
	}
	return false
}
