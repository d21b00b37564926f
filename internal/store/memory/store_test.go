package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/collab"
	"collabtext/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, New())
}

func TestStore_SnapshotNotAliased(t *testing.T) {
	ctx := context.Background()
	s := New()
	snapshot := storetest.Document(t).Snapshot()
	require.NoError(t, s.SaveDocument(ctx, snapshot))

	snapshot.Operations[0] = collab.Wrap(collab.Insert{Text: "mutated"})

	got, err := s.LoadDocument(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", got.Operations[0].Operation.(collab.Insert).Text)
}

func TestStore_NilReplica(t *testing.T) {
	err := New().SaveReplica(context.Background(), nil)
	assert.ErrorIs(t, err, collab.ErrInvalidInput)
}
