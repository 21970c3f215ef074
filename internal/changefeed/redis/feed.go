// Package redis carries queue changes over Redis Pub/Sub so every API instance
// sees writes committed by any other instance.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/changefeed"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "jobqueue:changes"

// Feed publishes and subscribes to queue changes on a Redis channel.
type Feed struct {
	client  goredis.UniversalClient
	channel string
	buffer  int
	logger  *zap.Logger
}

// New builds a Feed on client. Empty channel and non-positive buffer fall back
// to defaults.
func New(client goredis.UniversalClient, channel string, buffer int, logger *zap.Logger) *Feed {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, channel: channel, buffer: buffer, logger: logger}
}

// Publish sends change to every subscriber on the channel.
func (f *Feed) Publish(ctx context.Context, change queue.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return queue.Unavailable("publish change", err)
	}
	return nil
}

// Subscribe opens a Redis subscription. The returned subscription ends with
// queue.ErrLagged when its buffer overflows and with a store error when the
// Redis connection drops, so callers re-subscribe rather than miss changes.
func (f *Feed) Subscribe(ctx context.Context) (queue.Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, queue.Unavailable("subscribe changes", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stream := changefeed.NewStream(f.buffer, func() {
		cancel()
		_ = ps.Close()
	})
	go f.pump(subCtx, ps, stream)
	return stream, nil
}

func (f *Feed) pump(ctx context.Context, ps *goredis.PubSub, stream *changefeed.Stream) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stream.Close()
				return
			}
			f.logger.Warn("change subscription dropped", zap.String("channel", f.channel), zap.Error(err))
			stream.Fail(queue.Unavailable("receive change", err))
			return
		}
		var change queue.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			f.logger.Warn("discarding undecodable change", zap.String("channel", f.channel), zap.Error(err))
			continue
		}
		if !stream.Offer(change) {
			return
		}
	}
}

// Ping checks connectivity for readiness probes.
func (f *Feed) Ping(ctx context.Context) error {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return queue.Unavailable("ping redis", err)
	}
	return nil
}

var _ queue.ChangeFeed = (*Feed)(nil)
