// Package bolt stores documents in a single bbolt file. It backs the agent,
// which has to keep working without a network database.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
	"collabtext/internal/store"
)

var (
	documentsBucket = []byte("documents")
	replicasBucket  = []byte("replicas")
	historiesBucket = []byte("histories")
)

// FileName is the database file created inside the data directory.
const FileName = "collabtext.db"

// Ensure Store implements the interface.
var _ store.Store = (*Store)(nil)

// Store is a bbolt-backed store.Store. Values are JSON keyed by the document
// id in its canonical string form.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, FileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, replicasBucket, historiesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, id uuid.UUID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", bucket, id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id.String()), data)
	})
}

func (s *Store) get(bucket []byte, id uuid.UUID, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
		}
		// data is only valid inside the transaction; Unmarshal copies.
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decoding %s %s: %w", bucket, id, err)
		}
		return nil
	})
}

// SaveDocument stores or replaces a snapshot.
func (s *Store) SaveDocument(_ context.Context, snapshot collab.DocumentSnapshot) error {
	return s.put(documentsBucket, snapshot.ID, snapshot)
}

// LoadDocument retrieves a snapshot by document id.
func (s *Store) LoadDocument(_ context.Context, id uuid.UUID) (collab.DocumentSnapshot, error) {
	var snapshot collab.DocumentSnapshot
	if err := s.get(documentsBucket, id, &snapshot); err != nil {
		return collab.DocumentSnapshot{}, err
	}
	return snapshot, nil
}

// SaveReplica merges a replica into the stored one. The read and the write
// share one transaction.
func (s *Store) SaveReplica(_ context.Context, replica *crdt.Document) error {
	if replica == nil {
		return fmt.Errorf("%w: nil replica", collab.ErrInvalidInput)
	}
	key := []byte(replica.ID.String())
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(replicasBucket)
		merged := replica
		if data := b.Get(key); data != nil {
			stored := crdt.NewWithID(replica.ID)
			if err := json.Unmarshal(data, stored); err != nil {
				return fmt.Errorf("decoding %s %s: %w", replicasBucket, replica.ID, err)
			}
			if err := stored.Merge(replica); err != nil {
				return fmt.Errorf("merging replica %s: %w", replica.ID, err)
			}
			merged = stored
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", replicasBucket, replica.ID, err)
		}
		return b.Put(key, data)
	})
}

// LoadReplica retrieves a replica by document id.
func (s *Store) LoadReplica(_ context.Context, id uuid.UUID) (*crdt.Document, error) {
	replica := crdt.NewWithID(id)
	if err := s.get(replicasBucket, id, replica); err != nil {
		return nil, err
	}
	return replica, nil
}

// SaveHistory stores or replaces a history.
func (s *Store) SaveHistory(_ context.Context, h *history.History) error {
	if h == nil {
		return fmt.Errorf("%w: nil history", collab.ErrInvalidInput)
	}
	return s.put(historiesBucket, h.DocumentID, h)
}

// LoadHistory retrieves a history by document id.
func (s *Store) LoadHistory(_ context.Context, id uuid.UUID) (*history.History, error) {
	h := history.New(id)
	if err := s.get(historiesBucket, id, h); err != nil {
		return nil, err
	}
	return h, nil
}

// DeleteDocument removes a snapshot, its replica and its history in one
// transaction.
func (s *Store) DeleteDocument(_ context.Context, id uuid.UUID) error {
	key := []byte(id.String())
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, replicasBucket, historiesBucket} {
			if err := tx.Bucket(name).Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns the ids of every stored document snapshot.
func (s *Store) List(_ context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, _ []byte) error {
			id, err := uuid.ParseBytes(k)
			if err != nil {
				return fmt.Errorf("bad document key %q: %w", k, err)
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}
