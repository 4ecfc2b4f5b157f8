package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
)

const redisRetryDelay = time.Second

// RedisFeed uses Redis pub/sub channels, one per table. Writers publish
// through the same type. go-redis resubscribes after a dropped connection and
// every confirmation after the first one is reported as a Resync.
type RedisFeed struct {
	client *redis.Client
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisFeed creates a new RedisFeed
func NewRedisFeed(client *redis.Client, log *logger.Logger) *RedisFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisFeed{client: client, log: log.Named("redis_feed"), ctx: ctx, cancel: cancel}
}

// Publish sends n on its table channel
func (f *RedisFeed) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return f.client.Publish(ctx, ChannelName(n.Table), payload).Err()
}

// Subscribe starts receiving on the table channel
func (f *RedisFeed) Subscribe(ctx context.Context, table domain.Table) (<-chan Event, error) {
	ps := f.client.Subscribe(ctx, ChannelName(table))

	// wait for the first confirmation so the subscription is live on return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	out := make(chan Event, memoryBufferSize)
	go f.run(ctx, table, ps, out)
	return out, nil
}

func (f *RedisFeed) run(ctx context.Context, table domain.Table, ps *redis.PubSub, out chan<- Event) {
	defer close(out)
	defer ps.Close()

	ctx, cancel := mergeDone(ctx, f.ctx)
	defer cancel()

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn("pubsub receive failed", zap.String("table", string(table)), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisRetryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && !emit(ctx, out, Event{Resync: true}) {
				return
			}
		case *redis.Message:
			n, err := DecodeNotification(table, []byte(m.Payload))
			if err != nil {
				f.log.Warn("dropping notification", zap.String("table", string(table)), zap.Error(err))
				continue
			}
			if !emit(ctx, out, Event{Notification: n}) {
				return
			}
		}
	}
}

// Close stops every subscription
func (f *RedisFeed) Close() error {
	f.cancel()
	return nil
}
