package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

const (
	defaultOnlineTTL = 90 * time.Second
	// HeartbeatInterval is how often live users are refreshed. It stays well
	// under defaultOnlineTTL.
	HeartbeatInterval = 30 * time.Second
)

// refreshScript renews this instance's field only if it is still present, so
// a heartbeat racing a MarkOffline cannot bring the user back.
var refreshScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
end
return 0
`)

// Directory records which processes hold live connections for a user so
// that any process can tell whether the user is online anywhere.
type Directory interface {
	// MarkOnline reports whether this made the user online cluster-wide.
	MarkOnline(ctx context.Context, userId int64) (first bool, err error)
	// MarkOffline reports whether this made the user offline cluster-wide.
	MarkOffline(ctx context.Context, userId int64) (last bool, err error)
	// Refresh extends the online entries this process holds for userIds.
	Refresh(ctx context.Context, userIds []int64) error
	IsOnline(ctx context.Context, userId int64) (bool, error)
	LastActive(ctx context.Context, userId int64) (time.Time, error)
}

// RedisDirectory keeps one hash per user with a field per instance holding
// live connections, plus a last-active timestamp key.
type RedisDirectory struct {
	client     *redis.Client
	instanceId string
	clock      clock.Clock
	// onlineTTL bounds how long a crashed instance's field keeps a user online.
	onlineTTL time.Duration
}

func NewRedisDirectory(client *redis.Client, instanceId string, clk clock.Clock) *RedisDirectory {
	return &RedisDirectory{
		client:     client,
		instanceId: instanceId,
		clock:      clk,
		onlineTTL:  defaultOnlineTTL,
	}
}

func userKey(userId int64) string {
	return "famchat:presence:user:" + strconv.FormatInt(userId, 10)
}

func lastActiveKey(userId int64) string {
	return "famchat:presence:last:" + strconv.FormatInt(userId, 10)
}

func (d *RedisDirectory) MarkOnline(ctx context.Context, userId int64) (bool, error) {
	now := d.clock.Now().UnixMilli()

	var hlen *redis.IntCmd
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, userKey(userId), d.instanceId, now)
		pipe.Expire(ctx, userKey(userId), d.onlineTTL)
		pipe.Set(ctx, lastActiveKey(userId), now, 0)
		hlen = pipe.HLen(ctx, userKey(userId))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark online: %w", err)
	}

	return hlen.Val() == 1, nil
}

func (d *RedisDirectory) MarkOffline(ctx context.Context, userId int64) (bool, error) {
	now := d.clock.Now().UnixMilli()

	var (
		removed *redis.IntCmd
		hlen    *redis.IntCmd
	)
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, userKey(userId), d.instanceId)
		pipe.Set(ctx, lastActiveKey(userId), now, 0)
		hlen = pipe.HLen(ctx, userKey(userId))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark offline: %w", err)
	}

	return removed.Val() == 1 && hlen.Val() == 0, nil
}

func (d *RedisDirectory) Refresh(ctx context.Context, userIds []int64) error {
	now := d.clock.Now().UnixMilli()
	ttl := d.onlineTTL.Milliseconds()

	for _, userId := range userIds {
		err := refreshScript.Run(ctx, d.client, []string{userKey(userId)}, d.instanceId, now, ttl).Err()
		if err != nil {
			return fmt.Errorf("refresh user %d: %w", userId, err)
		}
	}

	return nil
}

func (d *RedisDirectory) IsOnline(ctx context.Context, userId int64) (bool, error) {
	n, err := d.client.HLen(ctx, userKey(userId)).Result()
	if err != nil {
		return false, fmt.Errorf("is online: %w", err)
	}

	return n > 0, nil
}

func (d *RedisDirectory) LastActive(ctx context.Context, userId int64) (time.Time, error) {
	ms, err := d.client.Get(ctx, lastActiveKey(userId)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last active: %w", err)
	}

	return time.UnixMilli(ms).UTC(), nil
}
