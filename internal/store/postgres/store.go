// Package postgres stores documents in PostgreSQL through a pgx pool. It
// backs the sync server.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
	"collabtext/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         uuid PRIMARY KEY,
	content    text        NOT NULL,
	version    bigint      NOT NULL,
	snapshot   jsonb       NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS replicas (
	document_id uuid PRIMARY KEY,
	replica     jsonb       NOT NULL,
	updated_at  timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS histories (
	document_id uuid PRIMARY KEY,
	history     jsonb       NOT NULL,
	updated_at  timestamptz NOT NULL
);
`

// Ensure Store implements the interface.
var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for databaseURL, checks it is reachable and applies
// the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. Call Migrate before use on a fresh database.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveDocument upserts a snapshot.
func (s *Store) SaveDocument(ctx context.Context, snapshot collab.DocumentSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", snapshot.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, content, version, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		snapshot.ID, snapshot.Content, int64(snapshot.Version), data, snapshot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", snapshot.ID, err)
	}
	return nil
}

// LoadDocument retrieves a snapshot by document id.
func (s *Store) LoadDocument(ctx context.Context, id uuid.UUID) (collab.DocumentSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM documents WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return collab.DocumentSnapshot{}, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
	}
	if err != nil {
		return collab.DocumentSnapshot{}, fmt.Errorf("loading document %s: %w", id, err)
	}
	var snapshot collab.DocumentSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return collab.DocumentSnapshot{}, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return snapshot, nil
}

// SaveReplica merges a replica into the stored row. A first save inserts;
// later saves lock the row, merge and write back in one transaction so
// servers sharing the database never drop each other's entries.
func (s *Store) SaveReplica(ctx context.Context, replica *crdt.Document) error {
	if replica == nil {
		return fmt.Errorf("%w: nil replica", collab.ErrInvalidInput)
	}
	data, err := json.Marshal(replica)
	if err != nil {
		return fmt.Errorf("encoding replica %s: %w", replica.ID, err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO replicas (document_id, replica, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_id) DO NOTHING`,
			replica.ID, data, replica.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var stored []byte
		err = tx.QueryRow(ctx,
			`SELECT replica FROM replicas WHERE document_id = $1 FOR UPDATE`, replica.ID).Scan(&stored)
		if err != nil {
			return err
		}
		merged := crdt.NewWithID(replica.ID)
		if err := json.Unmarshal(stored, merged); err != nil {
			return fmt.Errorf("decoding stored replica: %w", err)
		}
		if err := merged.Merge(replica); err != nil {
			return err
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encoding merged replica: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE replicas SET replica = $2, updated_at = $3 WHERE document_id = $1`,
			replica.ID, out, merged.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving replica %s: %w", replica.ID, err)
	}
	return nil
}

// LoadReplica retrieves a replica by document id.
func (s *Store) LoadReplica(ctx context.Context, id uuid.UUID) (*crdt.Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT replica FROM replicas WHERE document_id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading replica %s: %w", id, err)
	}
	replica := crdt.NewWithID(id)
	if err := json.Unmarshal(data, replica); err != nil {
		return nil, fmt.Errorf("decoding replica %s: %w", id, err)
	}
	return replica, nil
}

// SaveHistory upserts a history.
func (s *Store) SaveHistory(ctx context.Context, h *history.History) error {
	if h == nil {
		return fmt.Errorf("%w: nil history", collab.ErrInvalidInput)
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding history %s: %w", h.DocumentID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO histories (document_id, history, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id) DO UPDATE SET
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		h.DocumentID, data, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving history %s: %w", h.DocumentID, err)
	}
	return nil
}

// LoadHistory retrieves a history by document id.
func (s *Store) LoadHistory(ctx context.Context, id uuid.UUID) (*history.History, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT history FROM histories WHERE document_id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading history %s: %w", id, err)
	}
	h := history.New(id)
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("decoding history %s: %w", id, err)
	}
	return h, nil
}

// DeleteDocument removes a snapshot, its replica and its history in one
// transaction.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deleting document %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM replicas WHERE document_id = $1`, id); err != nil {
			return fmt.Errorf("deleting replica %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM histories WHERE document_id = $1`, id); err != nil {
			return fmt.Errorf("deleting history %s: %w", id, err)
		}
		return nil
	})
}
