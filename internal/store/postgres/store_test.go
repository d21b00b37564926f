package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/store/storetest"
)

func TestStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	require.NoError(t, s.Migrate(context.Background()), "migrations are repeatable")
	storetest.Run(t, s)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url ::")
	assert.Error(t, err)
}
