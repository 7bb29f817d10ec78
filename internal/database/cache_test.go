package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCachedParticipants(t *testing.T) {
	ctx := context.Background()

	t.Run("second lookup is served from cache", func(t *testing.T) {
		db := &MockRepository{}
		defer db.AssertExpectations(t)
		db.On("ParticipantsOf", ctx, int64(7)).Return([]int64{1, 2}, nil).Once()

		c := NewCachedParticipants(db, 16, time.Minute)

		for i := 0; i < 3; i++ {
			ids, err := c.ParticipantsOf(ctx, 7)
			assert.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, ids)
		}
	})

	t.Run("errors are not cached", func(t *testing.T) {
		db := &MockRepository{}
		defer db.AssertExpectations(t)
		db.On("ParticipantsOf", ctx, int64(7)).Return(nil, errors.New("down")).Once()
		db.On("ParticipantsOf", ctx, int64(7)).Return([]int64{1}, nil).Once()

		c := NewCachedParticipants(db, 16, time.Minute)

		_, err := c.ParticipantsOf(ctx, 7)
		assert.Error(t, err, "expected first lookup to fail")

		ids, err := c.ParticipantsOf(ctx, 7)
		assert.NoError(t, err)
		assert.Equal(t, []int64{1}, ids)
	})

	t.Run("forget drops the entry", func(t *testing.T) {
		db := &MockRepository{}
		defer db.AssertExpectations(t)
		db.On("ParticipantsOf", ctx, int64(7)).Return([]int64{1}, nil).Twice()

		c := NewCachedParticipants(db, 16, time.Minute)
		_, _ = c.ParticipantsOf(ctx, 7)
		c.Forget(7)
		_, _ = c.ParticipantsOf(ctx, 7)
	})
}

func TestWithParticipantCache(t *testing.T) {
	ctx := context.Background()
	db := &MockRepository{}
	defer db.AssertExpectations(t)
	db.On("ParticipantsOf", ctx, int64(7)).Return([]int64{1, 2}, nil).Once()
	db.On("FamilyOf", ctx, int64(1)).Return(int64(3), true, nil).Twice()

	repo := WithParticipantCache(db, 16, time.Minute)

	for i := 0; i < 2; i++ {
		ids, err := repo.ParticipantsOf(ctx, 7)
		assert.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, ids)

		familyId, ok, err := repo.FamilyOf(ctx, 1)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(3), familyId, "expected uncached methods to reach the repository")
	}
}
