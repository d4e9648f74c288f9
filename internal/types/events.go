// Package types defines the JSON event envelope exchanged over the
// websocket channel and the payloads for each event.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"cipherchat/internal/codec"
	"cipherchat/internal/models"
)

type EventType string

const (
	// client -> server
	EventJoin         EventType = "join"
	EventSend         EventType = "send"
	EventAckDelivered EventType = "ack-delivered"
	EventAckRead      EventType = "ack-read"

	// server -> client
	EventIdentity     EventType = "identity"
	EventPresence     EventType = "presence"
	EventHistory      EventType = "history"
	EventMessage      EventType = "message"
	EventMessageAck   EventType = "message-ack"
	EventStatusUpdate EventType = "status-update"
)

// Event is the envelope for every frame on the channel.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a payload into a ready-to-send event frame.
func Encode(t EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: t, Data: data})
}

// JoinPayload enters a room. UserID is optional: the server mints one for
// first contact and replies with an identity event the client must persist
// for reconnects.
type JoinPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type IdentityPayload struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
}

type PresencePayload struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
}

// HistoryPayload replays the room's recent canonical messages to a joiner,
// bounded and in chronological order.
type HistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"`
}

// SendPayload carries one encrypted envelope. MessageID is client-minted.
// IV and Ciphertext accept any recognized wire shape; decoding normalizes
// them before anything else touches them.
type SendPayload struct {
	MessageID   uuid.UUID    `json:"messageId"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId,omitempty"`
	DisplayName string       `json:"displayName,omitempty"`
	IV          codec.Binary `json:"iv"`
	Ciphertext  codec.Binary `json:"ciphertext"`
	CreatedAt   *time.Time   `json:"createdAt,omitempty"`
}

// MessageAckPayload answers the originating connection of a send: either
// the full canonical record, or a failure scoped to that one message id.
type MessageAckPayload struct {
	Message *models.Message `json:"message,omitempty"`
	Error   *SendFailure    `json:"error,omitempty"`
}

type SendFailure struct {
	MessageID uuid.UUID `json:"messageId"`
	Reason    string    `json:"reason"`
}

// AckPayload reports delivery or read for one message. RoomID scopes the
// resulting status broadcast; omitting it degrades to a global broadcast.
type AckPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	UserID    uuid.UUID `json:"userId"`
	RoomID    string    `json:"roomId,omitempty"`
}

type StatusUpdatePayload struct {
	MessageID uuid.UUID            `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}
