package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeKey(t *testing.T) {
	assert.Equal(t, "fallback:41:1", dedupeKey(41, 1))
}

func TestRedisDeduper(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	// two processes sharing one redis
	a := NewRedisDeduper(client, time.Minute)
	b := NewRedisDeduper(client, time.Minute)

	ok, err := a.Claim(ctx, dedupeKey(41, 1))
	require.NoError(t, err)
	assert.True(t, ok, "expected first claim to succeed")

	ok, err = b.Claim(ctx, dedupeKey(41, 1))
	require.NoError(t, err)
	assert.False(t, ok, "expected second claim from another process to fail")

	ok, err = b.Claim(ctx, dedupeKey(41, 2))
	require.NoError(t, err)
	assert.True(t, ok, "expected a different recipient to be claimable")

	s.FastForward(2 * time.Minute)
	ok, err = a.Claim(ctx, dedupeKey(41, 1))
	require.NoError(t, err)
	assert.True(t, ok, "expected claim to be available again after ttl")

	s.Close()
	_, err = a.Claim(ctx, dedupeKey(42, 1))
	assert.Error(t, err, "expected error when redis is unavailable")
}

func TestLRUDeduper(t *testing.T) {
	ctx := context.Background()
	d := NewLRUDeduper(16, time.Minute)

	ok, _ := d.Claim(ctx, "k")
	assert.True(t, ok, "expected first claim to succeed")
	ok, _ = d.Claim(ctx, "k")
	assert.False(t, ok, "expected repeated claim to fail")
}
