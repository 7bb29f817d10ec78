package types

import (
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo:
		return true
	}
	return false
}

// ChatMessageEvent is a chat message as it travels over the bus and to
// clients. Drafts from clients carry only the room, sender, kind and body;
// the store fills in the id, timestamp and sender profile.
type ChatMessageEvent struct {
	MessageId   int64       `json:"messageId,omitempty"`
	ChatRoomId  int64       `json:"chatRoomId"`
	SenderId    int64       `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	SenderImage string      `json:"senderImage,omitempty"`
	MessageType MessageKind `json:"messageType"`
	Content     string      `json:"content,omitempty"`
	ImageUrls   []string    `json:"imageUrls,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type PresenceEvent struct {
	UserId    int64     `json:"userId"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceStatus is the element of the list sent to family-status clients.
type PresenceStatus struct {
	UserId       int64     `json:"userId"`
	IsOnline     bool      `json:"isOnline"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

func (e PresenceEvent) Status() PresenceStatus {
	return PresenceStatus{
		UserId:       e.UserId,
		IsOnline:     e.Online,
		LastActiveAt: e.Timestamp,
	}
}
