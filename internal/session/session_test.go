package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/causality"
	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/eventbus"
	"collabtext/internal/store"
	"collabtext/internal/store/memory"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func open(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Open(context.Background(), uuid.New())
	require.NoError(t, err)
	return s
}

func insert(author uuid.UUID, col int, text string) collab.Insert {
	return collab.Insert{
		Position:  collab.Position{Line: 0, Column: col},
		Text:      text,
		UserID:    author,
		Timestamp: time.Now().UTC(),
	}
}

// typeABC makes three local edits on a fresh session and returns the
// replica entries in version order.
func typeABC(t *testing.T, author uuid.UUID) []crdt.Operation {
	t.Helper()
	s := open(t, NewManager(WithLogger(quiet())))
	var out []crdt.Operation
	for i, text := range []string{"a", "b", "c"} {
		e, err := s.Local(insert(author, i, text))
		require.NoError(t, err)
		out = append(out, e)
	}
	require.Equal(t, "abc", s.Content())
	return out
}

func TestSession_Local(t *testing.T) {
	s := open(t, NewManager(WithLogger(quiet())))
	alice := uuid.New()

	e, err := s.Local(insert(alice, 0, "hi"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, "hi", s.Content())
	assert.Equal(t, uint64(1), s.VersionVector()[alice])

	_, err = s.Local(insert(alice, 9, "x"))
	assert.ErrorIs(t, err, collab.ErrInvalidPosition)
	assert.Equal(t, uint64(1), s.VersionVector()[alice], "rejected edits stay out of the replica")
	assert.Equal(t, uint64(1), s.Version())

	_, err = s.Local(insert(uuid.Nil, 0, "x"))
	assert.ErrorIs(t, err, collab.ErrInvalidInput)
}

func TestSession_IngestOutOfOrder(t *testing.T) {
	alice := uuid.New()
	entries := typeABC(t, alice)
	s := open(t, NewManager(WithLogger(quiet())))

	res, err := s.Ingest(entries[2], entries[0])
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, uint64(1), res.Applied[0].Version)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, entries[2].ID, res.Conflicts[0].OperationID)
	assert.Equal(t, uint64(1), res.Conflicts[0].Known)
	assert.Equal(t, "a", s.Content())
	assert.Len(t, s.Pending(), 1)

	res, err = s.Ingest(entries[1])
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, uint64(2), res.Applied[0].Version)
	assert.Equal(t, uint64(3), res.Applied[1].Version)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, s.Pending())
	assert.Equal(t, "abc", s.Content())
	assert.Equal(t, uint64(3), s.VersionVector()[alice])
}

func TestSession_IngestDuplicates(t *testing.T) {
	entries := typeABC(t, uuid.New())
	s := open(t, NewManager(WithLogger(quiet())))

	_, err := s.Ingest(entries...)
	require.NoError(t, err)

	res, err := s.Ingest(entries...)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, "abc", s.Content())

	// A blocked entry delivered twice is held once.
	other := typeABC(t, uuid.New())
	_, err = s.Ingest(other[2], other[2])
	require.NoError(t, err)
	assert.Len(t, s.Pending(), 1)
}

func TestSession_IngestRejectsMalformed(t *testing.T) {
	s := open(t, NewManager(WithLogger(quiet())))
	entries := typeABC(t, uuid.New())

	bad := entries[0]
	bad.Version = 0
	_, err := s.Ingest(entries[0], bad)
	assert.ErrorIs(t, err, collab.ErrInvalidInput)
	assert.Empty(t, s.Content(), "a malformed batch changes nothing")

	_, err = s.Ingest(crdt.Operation{ID: uuid.New(), Version: 1})
	assert.ErrorIs(t, err, collab.ErrInvalidInput)
}

func TestSession_IngestUnresolvablePosition(t *testing.T) {
	s := open(t, NewManager(WithLogger(quiet())))
	bob := uuid.New()

	far := crdt.Operation{
		ID:      uuid.New(),
		Op:      collab.Wrap(insert(bob, 40, "x")),
		Version: 1,
	}
	res, err := s.Ingest(far)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0].Err, collab.ErrInvalidPosition)
	assert.Equal(t, uint64(1), s.VersionVector()[bob], "the entry is still part of the replica")
}

func TestSession_ConvergesAcrossReplicas(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	m := NewManager(WithLogger(quiet()))
	a, b := open(t, m), open(t, m)

	ea, err := a.Local(insert(alice, 0, "A"))
	require.NoError(t, err)
	eb, err := b.Local(insert(bob, 0, "B"))
	require.NoError(t, err)

	_, err = a.Ingest(b.Since(a.VersionVector())...)
	require.NoError(t, err)
	_, err = b.Ingest(a.Since(b.VersionVector())...)
	require.NoError(t, err)

	assert.True(t, a.VersionVector().Equal(b.VersionVector()))
	_, ra := a.Snapshot()
	_, rb := b.Snapshot()
	assert.Equal(t, ra.Ordered(), rb.Ordered())
	assert.ElementsMatch(t, []uuid.UUID{ea.ID, eb.ID}, []uuid.UUID{ra.Ordered()[0].ID, ra.Ordered()[1].ID})
}

func TestSession_Resolve(t *testing.T) {
	s := open(t, NewManager(WithLogger(quiet())))
	alice := uuid.New()
	_, err := s.Local(insert(alice, 0, "mine"))
	require.NoError(t, err)

	res, entry, err := s.Resolve("theirs", causality.Action{Kind: causality.AcceptCurrent}, alice)
	require.NoError(t, err)
	assert.Nil(t, res.Applied)
	assert.Nil(t, entry)
	assert.Equal(t, "mine", s.Content())

	res, entry, err = s.Resolve("theirs", causality.Action{Kind: causality.MergeBoth}, alice)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "minetheirs", s.Content())
	assert.Equal(t, uint64(2), entry.Version)
	assert.Equal(t, collab.KindReplace, entry.Op.Kind())

	_, _, err = s.Resolve("x", causality.Custom("y"), uuid.Nil)
	assert.ErrorIs(t, err, collab.ErrInvalidInput)
}

func TestSession_Presence(t *testing.T) {
	s := open(t, NewManager(WithLogger(quiet())))
	alice := uuid.New()

	require.NoError(t, s.Join(alice, "alice"))
	require.NoError(t, s.UpdateCursor(alice, collab.Position{}))
	require.Len(t, s.Presences(), 1)
	assert.Equal(t, "alice", s.Presences()[0].UserName)

	assert.True(t, s.Leave(alice))
	assert.False(t, s.Leave(alice))
	assert.Empty(t, s.Presences())
}

func TestSession_ConflictEvent(t *testing.T) {
	bus := eventbus.NewMemory(16, quiet())
	defer bus.Close()
	events, cancel := bus.Subscribe(eventbus.Filter{Names: []string{collab.EventConflictDetected}})
	defer cancel()

	s := open(t, NewManager(WithPublisher(bus), WithLogger(quiet())))
	entries := typeABC(t, uuid.New())
	_, err := s.Ingest(entries[1])
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, collab.EventConflictDetected, e.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no ConflictDetected event")
	}
}

func TestSession_ConcurrentLocal(t *testing.T) {
	s := open(t, NewManager(WithLogger(quiet())))
	authors := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for _, author := range authors {
		wg.Add(1)
		go func(author uuid.UUID) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Local(insert(author, 0, "x"))
				assert.NoError(t, err)
			}
		}(author)
	}
	wg.Wait()

	assert.Equal(t, uint64(100), s.Version())
	assert.Len(t, s.Content(), 100)
	for _, author := range authors {
		assert.Equal(t, uint64(25), s.VersionVector()[author])
	}
}

func TestManager_OpenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := NewManager(WithStore(st), WithLogger(quiet()))
	id := uuid.New()
	alice := uuid.New()

	s1, err := m.Open(ctx, id)
	require.NoError(t, err)
	s2, err := m.Open(ctx, id)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	_, err = s1.Local(insert(alice, 0, "saved"))
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, id))
	_, ok := m.Get(id)
	assert.True(t, ok, "still held by the second caller")

	require.NoError(t, m.Close(ctx, id))
	_, ok = m.Get(id)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Close(ctx, id), collab.ErrDocumentNotFound)

	s3, err := m.Open(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, "saved", s3.Content())
	assert.Equal(t, uint64(1), s3.Version())
	assert.Equal(t, uint64(1), s3.VersionVector()[alice])

	// The next local edit continues the author's sequence.
	e, err := s3.Local(insert(alice, 5, "!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Version)
	assert.Equal(t, []uuid.UUID{id}, m.IDs())
}

func TestManager_Flush(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := NewManager(WithStore(st), WithLogger(quiet()))

	s := open(t, m)
	_, err := s.Local(insert(uuid.New(), 0, "draft"))
	require.NoError(t, err)

	require.NoError(t, m.Flush(ctx))
	snapshot, err := st.LoadDocument(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "draft", snapshot.Content)
}

func TestManager_OpenNilID(t *testing.T) {
	_, err := NewManager().Open(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, collab.ErrInvalidInput)
}

// gatedStore blocks LoadDocument until release is closed.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) LoadDocument(ctx context.Context, id uuid.UUID) (collab.DocumentSnapshot, error) {
	close(g.entered)
	<-g.release
	return g.Store.LoadDocument(ctx, id)
}

func TestManager_DeleteIfClosed(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := NewManager(WithStore(st), WithLogger(quiet()))

	s := open(t, m)
	_, err := s.Local(insert(uuid.New(), 0, "keep"))
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx))

	assert.ErrorIs(t, m.DeleteIfClosed(ctx, s.ID()), ErrDocumentOpen)
	_, err = st.LoadDocument(ctx, s.ID())
	require.NoError(t, err, "an open document is not deleted")

	require.NoError(t, m.Close(ctx, s.ID()))
	require.NoError(t, m.DeleteIfClosed(ctx, s.ID()))
	_, err = st.LoadDocument(ctx, s.ID())
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
}

func TestManager_DeleteWhileOpening(t *testing.T) {
	ctx := context.Background()
	gated := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(WithStore(gated), WithLogger(quiet()))
	id := uuid.New()

	opened := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, id)
		opened <- err
	}()
	<-gated.entered

	assert.ErrorIs(t, m.DeleteIfClosed(ctx, id), ErrDocumentOpen)

	close(gated.release)
	require.NoError(t, <-opened)
	require.NoError(t, m.Close(ctx, id))
	assert.NoError(t, m.DeleteIfClosed(ctx, id))
}

func TestSession_Versions(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewMemory(16, quiet())
	defer bus.Close()
	events, cancel := bus.Subscribe(eventbus.Filter{Names: []string{collab.EventVersionCreated}})
	defer cancel()

	st := memory.New()
	m := NewManager(WithStore(st), WithPublisher(bus), WithLogger(quiet()))
	s := open(t, m)
	alice := uuid.New()

	_, err := s.Local(insert(alice, 0, "draft"))
	require.NoError(t, err)
	first, err := s.CreateVersion(alice, "alice", "first")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Number)
	assert.Equal(t, "draft", first.Content)

	_, err = s.CreateVersion(alice, "alice", "again")
	assert.ErrorIs(t, err, collab.ErrInvalidInput, "one version per number")

	_, err = s.Local(insert(alice, 5, "!"))
	require.NoError(t, err)
	second, err := s.CreateVersion(alice, "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.TagVersion("v1", first.Number))

	diff, err := s.CompareVersions(first.Number, second.Number)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, collab.KindReplace, diff.Changes[0].Operation.Kind())

	select {
	case e := <-events:
		assert.Equal(t, collab.EventVersionCreated, e.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no VersionCreated event")
	}

	require.NoError(t, m.Close(ctx, s.ID()))
	again, err := m.Open(ctx, s.ID())
	require.NoError(t, err)
	versions := again.Versions()
	require.Len(t, versions, 2)
	assert.Equal(t, []uint64{1, 2}, []uint64{versions[0].Number, versions[1].Number})
	got, err := again.GetVersion(2)
	require.NoError(t, err)
	assert.Equal(t, "draft!", got.Content)
	assert.Equal(t, map[string]uint64{"v1": 1}, again.History().Tags)
}
