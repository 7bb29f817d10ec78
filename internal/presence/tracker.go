// Package presence turns connection count transitions into presence events
// on the bus.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/famchat-relay/internal/bus"
	"github.com/npezzotti/famchat-relay/internal/registry"
	"github.com/npezzotti/famchat-relay/internal/types"
	"go.uber.org/zap"
)

type Families interface {
	FamilyOf(ctx context.Context, userId int64) (familyId int64, ok bool, err error)
	FamilyMembers(ctx context.Context, familyId int64) ([]int64, error)
}

// LocalSessions answers presence questions from this process alone when no
// Directory is configured, and lists the users the heartbeat refreshes.
type LocalSessions interface {
	SessionsFor(userId int64) []registry.Conn
	Users() []int64
}

type Tracker struct {
	pub       bus.Publisher
	families  Families
	directory Directory
	local     LocalSessions
	clock     clock.Clock
	origin    string
	log       *zap.Logger
}

// NewTracker returns a Tracker. directory may be nil, in which case every
// local first/last transition is treated as a cluster-wide one.
func NewTracker(pub bus.Publisher, families Families, directory Directory, local LocalSessions, clk clock.Clock, origin string, log *zap.Logger) *Tracker {
	return &Tracker{
		pub:       pub,
		families:  families,
		directory: directory,
		local:     local,
		clock:     clk,
		origin:    origin,
		log:       log,
	}
}

// OnConnectionChange is called by the gateway when a user's first local
// connection opens or last local connection closes.
func (t *Tracker) OnConnectionChange(ctx context.Context, userId int64, online bool) {
	log := t.log.With(zap.Int64("user_id", userId), zap.Bool("online", online))

	transition := true
	if t.directory != nil {
		var err error
		if online {
			transition, err = t.directory.MarkOnline(ctx, userId)
		} else {
			transition, err = t.directory.MarkOffline(ctx, userId)
		}
		if err != nil {
			log.Warn("presence directory update failed, publishing local transition", zap.Error(err))
			transition = true
		}
	}

	if !transition {
		log.Debug("user still connected on another instance")
		return
	}

	familyId, ok, err := t.families.FamilyOf(ctx, userId)
	if err != nil {
		log.Error("resolve family", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	ev := types.PresenceEvent{
		UserId:    userId,
		Online:    online,
		Timestamp: t.clock.Now().UTC(),
	}

	payload, err := bus.NewPresenceEnvelope(t.origin, familyId, ev).Encode()
	if err != nil {
		log.Error("encode presence event", zap.Error(err))
		return
	}

	if err := t.pub.Publish(ctx, bus.FamilyTopic(familyId), payload); err != nil {
		log.Error("publish presence event", zap.Error(err))
		return
	}

	log.Debug("published presence", zap.Int64("family_id", familyId))
}

// Run refreshes the directory entries of every locally connected user each
// interval until ctx is done. Without a directory it just waits.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if t.directory == nil || t.local == nil {
		<-ctx.Done()
		return nil
	}

	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			users := t.local.Users()
			if len(users) == 0 {
				continue
			}
			if err := t.directory.Refresh(ctx, users); err != nil {
				t.log.Warn("presence heartbeat failed", zap.Error(err), zap.Int("users", len(users)))
			}
		}
	}
}

// Snapshot returns the presence of every member of a family, sent to a
// family-status client when it connects.
func (t *Tracker) Snapshot(ctx context.Context, familyId int64) ([]types.PresenceStatus, error) {
	members, err := t.families.FamilyMembers(ctx, familyId)
	if err != nil {
		return nil, fmt.Errorf("family members: %w", err)
	}

	statuses := make([]types.PresenceStatus, 0, len(members))
	for _, userId := range members {
		status := types.PresenceStatus{UserId: userId}

		if t.directory != nil {
			if status.IsOnline, err = t.directory.IsOnline(ctx, userId); err != nil {
				return nil, err
			}
			if status.LastActiveAt, err = t.directory.LastActive(ctx, userId); err != nil {
				return nil, err
			}
		} else if t.local != nil {
			status.IsOnline = len(t.local.SessionsFor(userId)) > 0
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}
