package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/famchat-relay/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T, opts ...RedisOption) (*RedisBus, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	opts = append(opts, WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(20 * time.Millisecond)
	}))
	b := NewRedisBus(client, testutil.TestLogger(t), opts...)
	t.Cleanup(func() {
		b.Close()
		client.Close()
	})
	return b, s
}

func runBus(t *testing.T, b *RedisBus) <-chan []byte {
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, func(_ context.Context, payload []byte) {
			got <- payload
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return got
}

// publishUntilReceived retries because the subscription is established
// asynchronously.
func publishUntilReceived(t *testing.T, b *RedisBus, topic Topic, payload string, got <-chan []byte) {
	assert.Eventually(t, func() bool {
		if err := b.Publish(context.Background(), topic, []byte(payload)); err != nil {
			return false
		}
		select {
		case p := <-got:
			return string(p) == payload
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "expected %q on %s to be received", payload, topic)
}

func TestRedisBus_channelNames(t *testing.T) {
	b := NewRedisBus(nil, nil, WithRedisPrefix("x"))
	assert.Equal(t, "x:chat", b.channel(ChatTopic()))
	assert.Equal(t, "x:presence:family:42", b.channel(FamilyTopic(42)))
	assert.Equal(t, "x:presence:family:*", b.familyPattern())
}

func TestRedisBus_PublishAndReceive(t *testing.T) {
	b, _ := newTestRedisBus(t)
	got := runBus(t, b)

	publishUntilReceived(t, b, ChatTopic(), `{"type":"chat_message"}`, got)
	publishUntilReceived(t, b, FamilyTopic(7), `{"type":"presence"}`, got)
}

func TestRedisBus_PublishError(t *testing.T) {
	b, s := newTestRedisBus(t)
	s.Close()

	err := b.Publish(context.Background(), ChatTopic(), []byte("x"))
	assert.Error(t, err, "expected publish to fail when redis is down")
}

func TestRedisBus_CloseLeavesClientOpen(t *testing.T) {
	b, _ := newTestRedisBus(t)

	require.NoError(t, b.Close())
	assert.NoError(t, b.client.Ping(context.Background()).Err(), "expected the shared client to stay usable")
	assert.NoError(t, b.client.Close(), "expected the owner's close to succeed")

	err := b.Publish(context.Background(), ChatTopic(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosed, "expected publish after close to fail")
}

func TestRedisBus_ResubscribesAfterDisconnect(t *testing.T) {
	var connected atomic.Bool
	var drops atomic.Int32
	b, s := newTestRedisBus(t, WithRedisStatus(func(ok bool) {
		connected.Store(ok)
		if !ok {
			drops.Add(1)
		}
	}))
	got := runBus(t, b)

	publishUntilReceived(t, b, ChatTopic(), "before", got)
	assert.True(t, connected.Load(), "expected bus to report connected")

	s.Close()
	assert.Eventually(t, func() bool { return drops.Load() > 0 }, 2*time.Second, 10*time.Millisecond,
		"expected bus to report the lost subscription")

	require.NoError(t, s.Restart())
	publishUntilReceived(t, b, ChatTopic(), "after", got)
	assert.True(t, connected.Load(), "expected bus to report connected after resubscribing")
}

func TestRedisBus_RunReturnsOnCancel(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx, func(context.Context, []byte) {}) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}
}
