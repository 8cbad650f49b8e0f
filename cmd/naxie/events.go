package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/naxie/pkg/eventbus"
	"github.com/go-go-golems/naxie/pkg/redisstream"
)

func newEventsCommand(a *app) *cobra.Command {
	var group, consumer string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow chat events mirrored to a redis stream by another naxie process",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.cfg.Mirror
			m.Enabled = true
			if m.Backend != redisstream.BackendRedis {
				return errors.New("events needs the redis mirror backend: set mirror.backend=redis or pass --redis-addr")
			}
			if group != "" {
				m.Group = group
			}
			if consumer != "" {
				m.Consumer = consumer
			}
			ctx := cmd.Context()
			if err := redisstream.EnsureGroupAtTail(ctx, m.Addr, m.Stream, m.Group); err != nil {
				return err
			}
			sub, err := redisstream.BuildGroupSubscriber(m.Addr, m.Group, m.Consumer)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Close() }()

			tail := eventbus.NewTail(sub, m.Stream, func(env eventbus.Envelope, cur eventbus.Cursor) {
				fmt.Printf("%s %-20s %s\n", env.At.Format("15:04:05.000"), env.Topic, string(env.Payload))
			})
			if err := tail.Start(ctx); err != nil {
				return errors.Wrap(err, "subscribe")
			}
			select {
			case <-ctx.Done():
				tail.Stop()
				<-tail.Done()
			case <-tail.Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Consumer group (defaults to mirror.group)")
	cmd.Flags().StringVar(&consumer, "consumer", "", "Consumer name (defaults to mirror.consumer)")
	return cmd
}
