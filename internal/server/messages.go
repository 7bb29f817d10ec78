package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/famchat-relay/internal/types"
)

type InboundType string

const (
	InboundChatMessage InboundType = "chat_message"
	InboundReadReceipt InboundType = "read_receipt"
	InboundPing        InboundType = "ping"
)

type OutboundType string

const (
	OutboundChatMessage OutboundType = "chat_message"
	OutboundResponse    OutboundType = "response"
	OutboundPong        OutboundType = "pong"
)

// ClientMessage is a frame sent by a client. Type selects which of the
// payload fields is set.
type ClientMessage struct {
	Id      int          `json:"id,omitempty"`
	Type    InboundType  `json:"type"`
	Message *ChatDraft   `json:"message,omitempty"`
	Receipt *ReadReceipt `json:"receipt,omitempty"`
}

type ChatDraft struct {
	ChatRoomId  int64             `json:"chatRoomId"`
	SenderId    int64             `json:"senderId"`
	MessageType types.MessageKind `json:"messageType"`
	Content     string            `json:"content,omitempty"`
	ImageUrls   []string          `json:"imageUrls,omitempty"`
	ClientId    string            `json:"clientId,omitempty"`
}

func (d *ChatDraft) Event() types.ChatMessageEvent {
	return types.ChatMessageEvent{
		ChatRoomId:  d.ChatRoomId,
		SenderId:    d.SenderId,
		MessageType: d.MessageType,
		Content:     d.Content,
		ImageUrls:   d.ImageUrls,
	}
}

type ReadReceipt struct {
	ChatRoomId int64 `json:"chatRoomId"`
	MessageId  int64 `json:"messageId"`
}

// ProtocolError means the client sent something the connection cannot
// continue after. The connection is closed with 1003.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func decodeClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Reason: "malformed message"}
	}

	switch msg.Type {
	case InboundChatMessage:
		if msg.Message == nil {
			return nil, &ProtocolError{Reason: "chat_message without message"}
		}
	case InboundReadReceipt:
		if msg.Receipt == nil {
			return nil, &ProtocolError{Reason: "read_receipt without receipt"}
		}
	case InboundPing:
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	return &msg, nil
}

type ServerMessage struct {
	Type      OutboundType            `json:"type"`
	Id        int                     `json:"id,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Response  *Response               `json:"response,omitempty"`
	Message   *types.ChatMessageEvent `json:"message,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"responseCode"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func newResponse(id, code int, errMsg string, data map[string]any) *ServerMessage {
	return &ServerMessage{
		Type:      OutboundResponse,
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, messageId int64, clientId string) *ServerMessage {
	data := map[string]any{"messageId": messageId}
	if clientId != "" {
		data["clientId"] = clientId
	}
	return newResponse(id, http.StatusAccepted, "", data)
}

func ErrInvalidMessage(id int, reason string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden", nil)
}

func ErrMessageNotSaved(id int, clientId string) *ServerMessage {
	var data map[string]any
	if clientId != "" {
		data = map[string]any{"clientId": clientId}
	}
	return newResponse(id, http.StatusInternalServerError, "message not saved", data)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func Pong(id int) *ServerMessage {
	return &ServerMessage{
		Type:      OutboundPong,
		Id:        id,
		Timestamp: Now(),
	}
}

// EncodeChatMessage serializes the frame delivered to every connection of
// every participant.
func EncodeChatMessage(msg types.ChatMessageEvent) ([]byte, error) {
	return json.Marshal(&ServerMessage{
		Type:      OutboundChatMessage,
		Timestamp: Now(),
		Message:   &msg,
	})
}

// EncodePresence serializes the list sent to family-status connections.
func EncodePresence(statuses []types.PresenceStatus) ([]byte, error) {
	if statuses == nil {
		statuses = []types.PresenceStatus{}
	}
	return json.Marshal(statuses)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
