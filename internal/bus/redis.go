package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "famchat"

type RedisOption func(*RedisBus)

// WithRedisPrefix sets the channel name prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBus) { b.prefix = prefix }
}

// WithBackOff sets the policy used between resubscribe attempts.
func WithBackOff(newBackOff func() backoff.BackOff) RedisOption {
	return func(b *RedisBus) { b.newBackOff = newBackOff }
}

func WithRedisStatus(fn StatusFunc) RedisOption {
	return func(b *RedisBus) { b.onStatus = fn }
}

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE. Family presence channels
// are received through a single pattern subscription. The client is shared
// with other components and stays open after Close.
type RedisBus struct {
	client     *redis.Client
	closed     atomic.Bool
	prefix     string
	log        *zap.Logger
	onStatus   StatusFunc
	newBackOff func() backoff.BackOff
}

func NewRedisBus(client *redis.Client, log *zap.Logger, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:     client,
		prefix:     defaultRedisPrefix,
		log:        log,
		onStatus:   func(bool) {},
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func (b *RedisBus) channel(t Topic) string {
	switch t.Kind {
	case TopicFamilyPresence:
		return fmt.Sprintf("%s:presence:family:%d", b.prefix, t.FamilyId)
	default:
		return b.prefix + ":chat"
	}
}

func (b *RedisBus) familyPattern() string {
	return b.prefix + ":presence:family:*"
}

func (b *RedisBus) Publish(ctx context.Context, topic Topic, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}

	return nil
}

func (b *RedisBus) Run(ctx context.Context, h Handler) error {
	bo := b.newBackOff()

	for {
		err := b.subscribe(ctx, h, bo)
		if ctx.Err() != nil {
			return nil
		}

		b.onStatus(false)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = 30 * time.Second
		}
		b.log.Warn("bus subscription lost, events from other processes are not delivered until it is restored",
			zap.Error(err), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *RedisBus) subscribe(ctx context.Context, h Handler, bo backoff.BackOff) error {
	ps := b.client.Subscribe(ctx, b.channel(ChatTopic()))
	defer ps.Close()

	// a blocked receive does not observe ctx; closing the pubsub unblocks it
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ps.Close()
		case <-stop:
		}
	}()

	if err := ps.PSubscribe(ctx, b.familyPattern()); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	bo.Reset()
	b.onStatus(true)
	b.log.Info("bus subscribed", zap.String("chat", b.channel(ChatTopic())), zap.String("presence", b.familyPattern()))

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		h(ctx, []byte(msg.Payload))
	}
}

// Close stops publishing. Run ends through its context.
func (b *RedisBus) Close() error {
	b.closed.Store(true)
	return nil
}
