package models

import "time"

// Room is created on demand the first time anyone joins or sends to its
// id, is immutable afterwards, and is never deleted.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
