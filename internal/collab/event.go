package collab

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainCollaboration is the event domain of everything emitted by this package.
const DomainCollaboration = "collaboration"

// Event names.
const (
	EventOperationApplied   = "OperationApplied"
	EventUserJoinedDocument = "UserJoinedDocument"
	EventUserLeftDocument   = "UserLeftDocument"
	EventConflictDetected   = "ConflictDetected"
	EventVersionCreated     = "VersionCreated"
)

// Event is a domain event handed to an EventPublisher. Payload is opaque
// JSON.
type Event struct {
	ID         uuid.UUID       `json:"event_id"`
	Domain     string          `json:"domain"`
	Name       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent builds an event, encoding payload as JSON.
func NewEvent(domain, name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         uuid.New(),
		Domain:     domain,
		Name:       name,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// EventPublisher is the event-bus capability the core depends on.
// Implementations must not block on network I/O inside Publish; a returned
// error is logged by the caller and otherwise ignored.
type EventPublisher interface {
	Publish(event Event) error
}

// OperationAppliedPayload is the payload of EventOperationApplied.
type OperationAppliedPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	Operation  Envelope  `json:"operation"`
	Version    uint64    `json:"version"`
	Remote     bool      `json:"remote"`
}

// PresencePayload is the payload of EventUserJoinedDocument and
// EventUserLeftDocument.
type PresencePayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	UserID     uuid.UUID `json:"user_id"`
	UserName   string    `json:"user_name,omitempty"`
}
