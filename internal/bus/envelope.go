package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/famchat-relay/internal/types"
)

type EnvelopeType string

const (
	EnvelopeChatMessage EnvelopeType = "chat_message"
	EnvelopePresence    EnvelopeType = "presence"
)

var ErrUnknownEnvelope = errors.New("unknown envelope type")

var ErrClosed = errors.New("bus closed")

// Envelope is the payload of every bus message. Exactly one of Message or
// Presence is set, as indicated by Type.
type Envelope struct {
	Type EnvelopeType `json:"type"`
	// Origin is the instance id of the publishing process.
	Origin string `json:"origin,omitempty"`
	// SkipConnection is the connection that sent the message; it already
	// has the message and must not receive an echo.
	SkipConnection string                  `json:"skipConnection,omitempty"`
	FamilyId       int64                   `json:"familyId,omitempty"`
	Message        *types.ChatMessageEvent `json:"message,omitempty"`
	Presence       *types.PresenceEvent    `json:"presence,omitempty"`
}

func NewChatEnvelope(origin, skipConn string, msg types.ChatMessageEvent) *Envelope {
	return &Envelope{
		Type:           EnvelopeChatMessage,
		Origin:         origin,
		SkipConnection: skipConn,
		Message:        &msg,
	}
}

func NewPresenceEnvelope(origin string, familyId int64, ev types.PresenceEvent) *Envelope {
	return &Envelope{
		Type:     EnvelopePresence,
		Origin:   origin,
		FamilyId: familyId,
		Presence: &ev,
	}
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a bus payload and checks that the body matching its type
// is present.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch e.Type {
	case EnvelopeChatMessage:
		if e.Message == nil {
			return nil, fmt.Errorf("chat envelope without message")
		}
	case EnvelopePresence:
		if e.Presence == nil {
			return nil, fmt.Errorf("presence envelope without presence")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, e.Type)
	}

	return &e, nil
}
