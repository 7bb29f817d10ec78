package database

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type ParticipantLister interface {
	ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error)
}

// CachedParticipants memoizes room membership for a short time. Fan-out
// resolves participants for every message, and membership rarely changes.
type CachedParticipants struct {
	next  ParticipantLister
	cache *expirable.LRU[int64, []int64]
}

func NewCachedParticipants(next ParticipantLister, size int, ttl time.Duration) *CachedParticipants {
	return &CachedParticipants{
		next:  next,
		cache: expirable.NewLRU[int64, []int64](size, nil, ttl),
	}
}

func (c *CachedParticipants) ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error) {
	if ids, ok := c.cache.Get(chatRoomId); ok {
		return ids, nil
	}

	ids, err := c.next.ParticipantsOf(ctx, chatRoomId)
	if err != nil {
		return nil, err
	}
	c.cache.Add(chatRoomId, ids)

	return ids, nil
}

// Forget drops a cached room, e.g. after its membership changed.
func (c *CachedParticipants) Forget(chatRoomId int64) {
	c.cache.Remove(chatRoomId)
}

type cachedRepository struct {
	Repository
	participants *CachedParticipants
}

// WithParticipantCache returns repo with ParticipantsOf served through a
// CachedParticipants. Every other method goes straight to repo.
func WithParticipantCache(repo Repository, size int, ttl time.Duration) Repository {
	return &cachedRepository{
		Repository:   repo,
		participants: NewCachedParticipants(repo, size, ttl),
	}
}

func (r *cachedRepository) ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error) {
	return r.participants.ParticipantsOf(ctx, chatRoomId)
}
