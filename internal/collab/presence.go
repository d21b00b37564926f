package collab

import (
	"time"

	"github.com/google/uuid"
)

// Presence records a user currently editing a document.
type Presence struct {
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
	Cursor   *Position `json:"cursor,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}
