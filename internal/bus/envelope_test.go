package bus

import (
	"testing"
	"time"

	"github.com/npezzotti/famchat-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tcases := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, e *Envelope)
	}{
		{
			name: "chat message",
			raw:  `{"type":"chat_message","origin":"a","skipConnection":"c1","message":{"messageId":9,"chatRoomId":3,"senderId":1,"messageType":"text","content":"hi","createdAt":"2024-05-01T12:00:00Z"}}`,
			check: func(t *testing.T, e *Envelope) {
				assert.Equal(t, EnvelopeChatMessage, e.Type)
				assert.Equal(t, "c1", e.SkipConnection)
				assert.Equal(t, int64(9), e.Message.MessageId)
				assert.Equal(t, types.MessageKindText, e.Message.MessageType)
				assert.Equal(t, ts, e.Message.CreatedAt)
			},
		},
		{
			name: "presence",
			raw:  `{"type":"presence","familyId":4,"presence":{"userId":2,"online":true,"timestamp":"2024-05-01T12:00:00Z"}}`,
			check: func(t *testing.T, e *Envelope) {
				assert.Equal(t, EnvelopePresence, e.Type)
				assert.Equal(t, int64(4), e.FamilyId)
				assert.True(t, e.Presence.Online)
			},
		},
		{
			name:    "unknown type",
			raw:     `{"type":"typing","message":{}}`,
			wantErr: true,
		},
		{
			name:    "missing discriminator",
			raw:     `{"message":{"chatRoomId":1}}`,
			wantErr: true,
		},
		{
			name:    "chat without body",
			raw:     `{"type":"chat_message"}`,
			wantErr: true,
		},
		{
			name:    "presence without body",
			raw:     `{"type":"presence","familyId":1}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"type":`,
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Decode([]byte(tc.raw))
			if tc.wantErr {
				assert.Error(t, err, "expected decode error")
				return
			}
			require.NoError(t, err)
			tc.check(t, e)
		})
	}
}

func TestDecodeUnknownTypeIsSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"type":"typing"}`))
	assert.ErrorIs(t, err, ErrUnknownEnvelope)
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	msg := types.ChatMessageEvent{
		MessageId:   1,
		ChatRoomId:  2,
		SenderId:    3,
		MessageType: types.MessageKindImage,
		ImageUrls:   []string{"https://img/1.png"},
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	raw, err := NewChatEnvelope("node-1", "conn-1", msg).Encode()
	require.NoError(t, err)

	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "node-1", e.Origin)
	assert.Equal(t, msg, *e.Message)
	assert.Nil(t, e.Presence)
}
