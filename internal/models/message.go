package models

import (
	"time"

	"github.com/google/uuid"

	"cipherchat/internal/codec"
)

// MessageStatus advances forward only: sent -> delivered -> read.
// Sending and failed exist only on the client for optimistic entries.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusFailed    MessageStatus = "failed"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses for forward-only application. A status-update may
// arrive out of order; a lower rank never overwrites a higher one.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Message is the canonical record the relay persists and broadcasts. The
// ciphertext and iv are opaque to the server. ID is client-minted and is
// both the idempotency key for persistence and the primary merge key for
// reconciliation. Only the status timestamps mutate after insert.
type Message struct {
	ID          uuid.UUID     `json:"messageId"`
	RoomID      string        `json:"roomId"`
	SenderID    uuid.UUID     `json:"senderId"`
	SenderName  string        `json:"senderName"`
	IV          codec.Binary  `json:"iv"`
	Ciphertext  codec.Binary  `json:"ciphertext"`
	CreatedAt   time.Time     `json:"createdAt"`
	Status      MessageStatus `json:"status"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
}

// DeriveStatus computes the status implied by the timestamps. read_at
// implies delivered even when delivered_at was never written; the store
// coalesces rather than requiring the intermediate write.
func (m *Message) DeriveStatus() MessageStatus {
	switch {
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}
