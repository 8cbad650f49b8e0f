package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultMirrorTopic is the watermill topic (redis stream name) mirrored events go to.
const DefaultMirrorTopic = "naxie.events"

// Envelope is the wire form of a mirrored event.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Mirror forwards every bus event to a watermill publisher as a JSON Envelope.
// Publishing happens on the emitting goroutine; failures are logged and dropped.
type Mirror struct {
	pub   message.Publisher
	topic string
	sub   Subscription

	mu     sync.Mutex
	closed bool
}

func NewMirror(bus *Bus, pub message.Publisher, topic string) *Mirror {
	if topic == "" {
		topic = DefaultMirrorTopic
	}
	m := &Mirror{pub: pub, topic: topic}
	m.sub = bus.OnAny(m.forward)
	return m
}

func (m *Mirror) forward(ev Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	b, err := EncodeEnvelope(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "eventbus").Str("topic", string(ev.Topic)).Msg("mirror: encode failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("event_topic", string(ev.Topic))
	if err := m.pub.Publish(m.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "eventbus").Str("topic", string(ev.Topic)).Msg("mirror: publish failed")
	}
}

// Close stops forwarding. The publisher is owned by the caller and stays open.
func (m *Mirror) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.sub.Unsubscribe()
}

// EncodeEnvelope renders ev as JSON. Error payloads are flattened to their message.
func EncodeEnvelope(ev Event) ([]byte, error) {
	payload := ev.Payload
	if e, ok := payload.(error); ok {
		payload = e.Error()
	}
	env := Envelope{Topic: ev.Topic, At: ev.At}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s payload", ev.Topic)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
