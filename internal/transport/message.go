// Package transport carries edits between editor clients and replicas over
// WebSockets. A Hub serves one room per open document; a PeerLink dials a
// remote replica and joins the local room like any other client.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"collabtext/internal/causality"
	"collabtext/internal/collab"
	"collabtext/internal/crdt"
)

// MessageType tags every frame.
type MessageType string

const (
	// TypeJoin announces a user. The reply is a snapshot.
	TypeJoin MessageType = "join"
	// TypeLeave withdraws a user's presence.
	TypeLeave MessageType = "leave"
	// TypeEdit carries a local edit from an editor client.
	TypeEdit MessageType = "edit"
	// TypeOps carries replica entries between replicas and to clients.
	TypeOps MessageType = "ops"
	// TypeSync asks for every entry the sender's version vector is missing.
	TypeSync MessageType = "sync"
	// TypeSnapshot carries the materialized text and version vector.
	TypeSnapshot MessageType = "snapshot"
	// TypeCursor moves a user's caret.
	TypeCursor MessageType = "cursor"
	// TypeConflicts lists entries held back until their predecessors arrive.
	TypeConflicts MessageType = "conflicts"
	// TypeResolve applies a conflict-resolution choice.
	TypeResolve MessageType = "resolve"
	// TypeError reports a rejected request to its sender.
	TypeError MessageType = "error"
)

// Resolution is the body of a resolve request.
type Resolution struct {
	Incoming string           `json:"incoming"`
	Action   causality.Action `json:"action"`
}

// Message is one WebSocket frame. Which fields are set depends on Type.
type Message struct {
	Type          MessageType          `json:"type"`
	DocumentID    uuid.UUID            `json:"document_id"`
	ClientID      uuid.UUID            `json:"client_id"`
	UserName      string               `json:"user_name,omitempty"`
	Edit          *collab.Envelope     `json:"edit,omitempty"`
	Operations    []crdt.Operation     `json:"operations,omitempty"`
	VersionVector crdt.VersionVector   `json:"version_vector,omitempty"`
	Content       string               `json:"content,omitempty"`
	Version       uint64               `json:"version,omitempty"`
	Cursor        *collab.Position     `json:"cursor,omitempty"`
	Presences     []collab.Presence    `json:"presences,omitempty"`
	Conflicts     []causality.Conflict `json:"conflicts,omitempty"`
	Resolution    *Resolution          `json:"resolution,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// DecodeMessage parses a frame and checks it carries a type.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", collab.ErrInvalidInput, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: message without type", collab.ErrInvalidInput)
	}
	return msg, nil
}

func errorMessage(docID uuid.UUID, err error) Message {
	return Message{Type: TypeError, DocumentID: docID, Error: err.Error()}
}
