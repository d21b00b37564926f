// Package memory provides an in-memory store.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
	"collabtext/internal/store"
)

// Ensure Store implements the interface.
var _ store.Store = (*Store)(nil)

// Store keeps snapshots, replicas and histories in maps. Values are copied on the way in
// and out so callers cannot alias stored state.
type Store struct {
	mu        sync.RWMutex
	documents map[uuid.UUID]collab.DocumentSnapshot
	replicas  map[uuid.UUID]*crdt.Document
	histories map[uuid.UUID]*history.History
}

// New creates an empty store.
func New() *Store {
	return &Store{
		documents: make(map[uuid.UUID]collab.DocumentSnapshot),
		replicas:  make(map[uuid.UUID]*crdt.Document),
		histories: make(map[uuid.UUID]*history.History),
	}
}

// SaveDocument stores or replaces a snapshot.
func (s *Store) SaveDocument(_ context.Context, snapshot collab.DocumentSnapshot) error {
	snapshot.Operations = slices.Clone(snapshot.Operations)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[snapshot.ID] = snapshot
	return nil
}

// LoadDocument retrieves a snapshot by document id.
func (s *Store) LoadDocument(_ context.Context, id uuid.UUID) (collab.DocumentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.documents[id]
	if !ok {
		return collab.DocumentSnapshot{}, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
	}
	snapshot.Operations = slices.Clone(snapshot.Operations)
	return snapshot, nil
}

// SaveReplica merges a replica into the stored one.
func (s *Store) SaveReplica(_ context.Context, replica *crdt.Document) error {
	if replica == nil {
		return fmt.Errorf("%w: nil replica", collab.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.replicas[replica.ID]
	if !ok {
		s.replicas[replica.ID] = replica.Clone()
		return nil
	}
	merged := stored.Clone()
	if err := merged.Merge(replica); err != nil {
		return fmt.Errorf("merging replica %s: %w", replica.ID, err)
	}
	s.replicas[replica.ID] = merged
	return nil
}

// LoadReplica retrieves a replica by document id.
func (s *Store) LoadReplica(_ context.Context, id uuid.UUID) (*crdt.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	replica, ok := s.replicas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
	}
	return replica.Clone(), nil
}

// SaveHistory stores or replaces a history.
func (s *Store) SaveHistory(_ context.Context, h *history.History) error {
	if h == nil {
		return fmt.Errorf("%w: nil history", collab.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[h.DocumentID] = h.Clone()
	return nil
}

// LoadHistory retrieves a history by document id.
func (s *Store) LoadHistory(_ context.Context, id uuid.UUID) (*history.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
	}
	return h.Clone(), nil
}

// DeleteDocument removes a snapshot, its replica and its history.
func (s *Store) DeleteDocument(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, id)
	delete(s.replicas, id)
	delete(s.histories, id)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
