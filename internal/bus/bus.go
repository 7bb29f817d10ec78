// Package bus carries chat and presence events between relay processes.
package bus

import (
	"context"
	"fmt"
)

type TopicKind int

const (
	TopicChat TopicKind = iota
	TopicFamilyPresence
)

// Topic is a logical bus channel. Backends map it to their own naming.
type Topic struct {
	Kind     TopicKind
	FamilyId int64
}

func ChatTopic() Topic {
	return Topic{Kind: TopicChat}
}

func FamilyTopic(familyId int64) Topic {
	return Topic{Kind: TopicFamilyPresence, FamilyId: familyId}
}

func (t Topic) String() string {
	switch t.Kind {
	case TopicChat:
		return "chat"
	case TopicFamilyPresence:
		return fmt.Sprintf("presence/family/%d", t.FamilyId)
	}
	return "unknown"
}

// Handler receives every payload delivered to this process.
type Handler func(ctx context.Context, payload []byte)

type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload []byte) error
}

type Bus interface {
	Publisher
	// Run subscribes to the chat topic and every family presence topic and
	// calls h for each message until ctx is canceled. Subscriber failures
	// are retried; Run returns only when ctx is done.
	Run(ctx context.Context, h Handler) error
	Close() error
}

// StatusFunc is told when the subscription is lost and restored.
type StatusFunc func(connected bool)
