package bolt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/store/storetest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, setupTestStore(t))
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	snapshot := storetest.Document(t).Snapshot()
	require.NoError(t, s.SaveDocument(ctx, snapshot))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadDocument(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Content, got.Content)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, snapshot.ID, ids[0])
}
