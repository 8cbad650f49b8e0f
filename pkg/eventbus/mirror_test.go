package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMirrorPublishesEnvelopes(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer func() { _ = ps.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := ps.Subscribe(ctx, "test.events")
	require.NoError(t, err)

	b := New()
	m := NewMirror(b, ps, "test.events")
	b.Emit(ConnectionError, errors.New("dial refused"))

	select {
	case msg := <-ch:
		msg.Ack()
		var env Envelope
		require.NoError(t, json.Unmarshal(msg.Payload, &env))
		require.Equal(t, ConnectionError, env.Topic)
		require.JSONEq(t, `"dial refused"`, string(env.Payload))
		require.Equal(t, "connection:error", msg.Metadata.Get("event_topic"))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for mirrored event")
	}

	m.Close()
	b.Emit(ChatOpened, nil)
	select {
	case <-ch:
		t.Fatal("mirror still publishing after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTailReadsMirroredEnvelopesInOrder(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer func() { _ = ps.Close() }()

	got := make(chan Envelope, 4)
	var lastSeq uint64
	tail := NewTail(ps, "", func(env Envelope, cur Cursor) {
		if cur.Seq <= lastSeq {
			t.Errorf("cursor went backwards: %d <= %d", cur.Seq, lastSeq)
		}
		lastSeq = cur.Seq
		got <- env
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tail.Start(ctx))

	b := New()
	NewMirror(b, ps, "")
	b.Emit(ChatOpened, nil)
	b.Emit(Notice, NoticePayload{Kind: NoticeNetwork, Message: "offline"})

	for _, want := range []Topic{ChatOpened, Notice} {
		select {
		case env := <-got:
			require.Equal(t, want, env.Topic)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	tail.Stop()
}

func TestSeqFromStreamID(t *testing.T) {
	seq, ok := seqFromStreamID("1700000000000-2")
	require.True(t, ok)
	require.Equal(t, uint64(1700000000000*1_000_000+2), seq)

	_, ok = seqFromStreamID("bad")
	require.False(t, ok)
	_, ok = seqFromStreamID("1-x")
	require.False(t, ok)
}
