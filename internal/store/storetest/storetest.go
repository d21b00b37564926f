// Package storetest holds the behaviour every store.Store implementation
// must share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
	"collabtext/internal/store"
)

// Run exercises s. The store must start empty of the ids the tests create,
// which holds for fresh ids even on a shared database.
func Run(t *testing.T, s store.Store) {
	t.Run("DocumentRoundTrip", func(t *testing.T) { testDocumentRoundTrip(t, s) })
	t.Run("DocumentOverwrite", func(t *testing.T) { testDocumentOverwrite(t, s) })
	t.Run("ReplicaRoundTrip", func(t *testing.T) { testReplicaRoundTrip(t, s) })
	t.Run("ReplicaMerge", func(t *testing.T) { testReplicaMerge(t, s) })
	t.Run("HistoryRoundTrip", func(t *testing.T) { testHistoryRoundTrip(t, s) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, s) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s) })
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Document returns an engine with two applied operations and a fixed clock.
func Document(t *testing.T) *collab.Document {
	t.Helper()
	now := epoch
	doc := collab.NewDocument("hello", collab.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	author := uuid.New()
	require.NoError(t, doc.ApplyOperation(collab.Insert{
		Position: collab.Position{Line: 0, Column: 5}, Text: " world", UserID: author, Timestamp: epoch,
	}))
	require.NoError(t, doc.ApplyOperation(collab.Delete{
		Start: collab.Position{Line: 0, Column: 0}, End: collab.Position{Line: 0, Column: 1}, UserID: author, Timestamp: epoch,
	}))
	return doc
}

// Replica returns a replica holding entries from two authors.
func Replica(t *testing.T) *crdt.Document {
	t.Helper()
	replica := crdt.New()
	alice, bob := uuid.New(), uuid.New()
	for i, author := range []uuid.UUID{alice, bob, alice} {
		_, err := replica.ApplyOperation(author, collab.Insert{
			Position: collab.Position{}, Text: string(rune('a' + i)), UserID: author, Timestamp: epoch,
		})
		require.NoError(t, err)
	}
	return replica
}

func testDocumentRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := Document(t).Snapshot()

	require.NoError(t, s.SaveDocument(ctx, want))
	got, err := s.LoadDocument(ctx, want.ID)
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, "ello world", got.Content)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, want.Operations, got.Operations)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	restored := collab.RestoreDocument(got)
	assert.Equal(t, want.Content, restored.Content())
	assert.Len(t, restored.Operations(), 2)
}

func testDocumentOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := Document(t)
	require.NoError(t, s.SaveDocument(ctx, doc.Snapshot()))

	require.NoError(t, doc.ApplyOperation(collab.Insert{
		Position: collab.Position{Line: 0, Column: 0}, Text: "H", UserID: uuid.New(), Timestamp: epoch,
	}))
	require.NoError(t, s.SaveDocument(ctx, doc.Snapshot()))

	got, err := s.LoadDocument(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.Content)
	assert.Equal(t, uint64(3), got.Version)
}

func testReplicaRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := Replica(t)

	require.NoError(t, s.SaveReplica(ctx, want))
	got, err := s.LoadReplica(ctx, want.ID)
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.VersionVector.Equal(got.VersionVector))
	assert.Equal(t, want.Ordered(), got.Ordered())
	assert.Equal(t, 3, got.Len())

	// The loaded replica is independent of what the store holds.
	_, err = got.ApplyOperation(uuid.New(), collab.Insert{Text: "x", UserID: uuid.New()})
	require.NoError(t, err)
	again, err := s.LoadReplica(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Len())
}

// Two writers saving diverged copies of one replica both keep their entries,
// and a stale copy saved last removes nothing.
func testReplicaMerge(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	first := crdt.NewWithID(id)
	for _, text := range []string{"a", "b"} {
		_, err := first.ApplyOperation(alice, collab.Insert{Text: text, UserID: alice, Timestamp: epoch})
		require.NoError(t, err)
	}
	second := crdt.NewWithID(id)
	_, err := second.ApplyOperation(bob, collab.Insert{Text: "c", UserID: bob, Timestamp: epoch})
	require.NoError(t, err)

	require.NoError(t, s.SaveReplica(ctx, first))
	require.NoError(t, s.SaveReplica(ctx, second))
	require.NoError(t, s.SaveReplica(ctx, first))

	got, err := s.LoadReplica(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())
	assert.Equal(t, uint64(2), got.VersionVector.Get(alice))
	assert.Equal(t, uint64(1), got.VersionVector.Get(bob))
}

func testHistoryRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := Document(t)
	author := uuid.New()

	h := history.New(doc.ID())
	created, err := h.Create(doc.Snapshot(), author, "ann", "first draft")
	require.NoError(t, err)
	require.NoError(t, h.Tag("draft", created.Number))
	require.NoError(t, s.SaveHistory(ctx, h))

	got, err := s.LoadHistory(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), got.DocumentID)
	assert.Equal(t, uint64(2), got.Current)

	v, err := got.Tagged("draft")
	require.NoError(t, err)
	assert.Equal(t, created.ID, v.ID)
	assert.Equal(t, "ello world", v.Content)
	assert.Equal(t, "first draft", v.Message)
	assert.Equal(t, author, v.AuthorID)
	assert.Len(t, v.Operations, 2)
	assert.True(t, created.CreatedAt.Equal(v.CreatedAt))
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.LoadDocument(ctx, uuid.New())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
	_, err = s.LoadReplica(ctx, uuid.New())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
	_, err = s.LoadHistory(ctx, uuid.New())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := Document(t)
	replica := crdt.NewWithID(doc.ID())
	require.NoError(t, s.SaveDocument(ctx, doc.Snapshot()))
	require.NoError(t, s.SaveReplica(ctx, replica))
	require.NoError(t, s.SaveHistory(ctx, history.New(doc.ID())))

	require.NoError(t, s.DeleteDocument(ctx, doc.ID()))
	require.NoError(t, s.DeleteDocument(ctx, doc.ID()))

	_, err := s.LoadDocument(ctx, doc.ID())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
	_, err = s.LoadReplica(ctx, doc.ID())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
	_, err = s.LoadHistory(ctx, doc.ID())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
}
