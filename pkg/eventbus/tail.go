package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Cursor orders envelopes read back from a mirror topic. With redis streams Seq is
// derived from the entry id, otherwise from the local clock.
type Cursor struct {
	StreamID string
	Seq      uint64
}

// Tail consumes mirrored envelopes from a subscriber and hands them to a callback
// in delivery order.
type Tail struct {
	topic      string
	subscriber message.Subscriber
	onEnvelope func(Envelope, Cursor)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewTail(subscriber message.Subscriber, topic string, onEnvelope func(Envelope, Cursor)) *Tail {
	if topic == "" {
		topic = DefaultMirrorTopic
	}
	return &Tail{topic: topic, subscriber: subscriber, onEnvelope: onEnvelope}
}

func (t *Tail) Start(ctx context.Context) error {
	if t == nil || t.subscriber == nil {
		return nil
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := t.subscriber.Subscribe(runCtx, t.topic)
	if err != nil {
		cancel()
		t.mu.Unlock()
		return err
	}
	t.cancel = cancel
	t.running = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.consume(ch, done)
	return nil
}

// Done is closed when the subscriber channel is drained.
func (t *Tail) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tail) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = nil
	t.mu.Unlock()
}

func (t *Tail) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "eventbus").Str("topic", t.topic).Msg("tail: started")
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Msg("tail: failed to decode envelope")
			msg.Ack()
			continue
		}
		streamID := streamIDOf(msg)
		cur := Cursor{StreamID: streamID, Seq: t.nextSeq(streamID)}
		if t.onEnvelope != nil {
			t.onEnvelope(env, cur)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "eventbus").Str("topic", t.topic).Msg("tail: stopped")
	t.mu.Lock()
	t.running = false
	t.cancel = nil
	t.mu.Unlock()
}

func (t *Tail) nextSeq(streamID string) uint64 {
	base, ok := seqFromStreamID(streamID)
	if !ok {
		base = uint64(time.Now().UnixMilli()) * 1_000_000
	}
	for {
		current := t.seq.Load()
		next := base
		if next <= current {
			next = current + 1
		}
		if t.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func streamIDOf(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// seqFromStreamID maps a redis entry id "<ms>-<n>" onto a single increasing number.
func seqFromStreamID(streamID string) (uint64, bool) {
	ms, n, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, false
	}
	a, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	b, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return a*1_000_000 + b, true
}
