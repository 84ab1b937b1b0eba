package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis carries frames over a Redis pub/sub channel. Redis delivers a
// publish back to the publisher; gossip drops its own frames.
type Redis struct {
	client  redis.UniversalClient
	channel string
	sub     *redis.PubSub
	msgs    <-chan *redis.Message
	out     outbound
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewRedis subscribes to channel and returns once the subscription is
// confirmed.
func NewRedis(ctx context.Context, client redis.UniversalClient, channel string, opts ...Option) (*Redis, error) {
	o := buildOptions(opts)
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", channel, err)
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Redis{
		client:  client,
		channel: channel,
		sub:     sub,
		msgs:    sub.Channel(),
		log:     o.log.With(zap.String("channel", channel)),
		ctx:     rctx,
		cancel:  cancel,
	}
	r.out = newOutbound("redis", r.log, r.send)
	return r, nil
}

func (r *Redis) Read() ([]byte, bool) {
	m, ok := <-r.msgs
	if !ok {
		return nil, false
	}
	return []byte(m.Payload), true
}

func (r *Redis) Write(frame []byte) error {
	return r.out.write(frame)
}

func (r *Redis) send(frame []byte) error {
	return r.client.Publish(r.ctx, r.channel, frame).Err()
}

// Close publishes queued frames and unsubscribes. The client is left open.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.out.flush()
		r.cancel()
		r.closeErr = r.sub.Close()
	})
	return r.closeErr
}
