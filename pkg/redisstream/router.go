// Package redisstream builds the watermill publisher and subscriber used to mirror
// chat lifecycle events, backed either by an in-process channel or Redis Streams.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub bundles a publisher and subscriber that share one backend.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

func (p *PubSub) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build returns a PubSub for s. When the mirror is disabled or uses the memory backend
// an in-process gochannel is returned.
func Build(s Settings) (*PubSub, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.UsesRedis() {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	pub, err := BuildPublisher(s.Addr)
	if err != nil {
		return nil, err
	}
	sub, err := BuildGroupSubscriber(s.Addr, s.Group, s.Consumer)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return &PubSub{Publisher: pub, Subscriber: sub, closers: []func() error{pub.Close, sub.Close}}, nil
}

// BuildPublisher returns a Redis Streams publisher.
func BuildPublisher(addr string) (message.Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "create redis publisher")
	}
	return pub, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(addr, group, consumer string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "create redis subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
