package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a directory entry. Upserted on every join and every send;
// display name is last-write-wins. Never deleted.
type User struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
