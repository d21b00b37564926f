// Package store defines persistence for document snapshots, CRDT replicas
// and version histories. Implementations live in the memory, bolt and
// postgres subpackages.
package store

import (
	"context"

	"github.com/google/uuid"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
)

// Store persists the engine snapshot, the replica and the version history
// of each document. Lookups of unknown ids return collab.ErrDocumentNotFound.
type Store interface {
	SaveDocument(ctx context.Context, snapshot collab.DocumentSnapshot) error
	LoadDocument(ctx context.Context, id uuid.UUID) (collab.DocumentSnapshot, error)
	// SaveReplica merges replica into the stored one under the same id, so
	// two processes saving the same document never lose each other's
	// entries.
	SaveReplica(ctx context.Context, replica *crdt.Document) error
	LoadReplica(ctx context.Context, id uuid.UUID) (*crdt.Document, error)
	SaveHistory(ctx context.Context, h *history.History) error
	LoadHistory(ctx context.Context, id uuid.UUID) (*history.History, error)
	// DeleteDocument removes the snapshot, the replica and the history.
	// Deleting an unknown id is not an error.
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	Close() error
}
