package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/session"
	"collabtext/internal/store/memory"
)

func newTestAPI(t *testing.T) (*mux.Router, *session.Manager, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	sessions := session.NewManager(session.WithStore(st), session.WithLogger(logger))
	router := mux.NewRouter()
	newAPI(sessions, st, logger).register(router)
	return router, sessions, st
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAPI_Health(t *testing.T) {
	router, _, _ := newTestAPI(t)
	rec := serve(router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","open_documents":0}`, rec.Body.String())
}

func TestAPI_GetDocument(t *testing.T) {
	ctx := context.Background()
	router, sessions, _ := newTestAPI(t)
	id := uuid.New()

	rec := serve(router, http.MethodGet, "/documents/"+id.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, http.MethodGet, "/documents/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s, err := sessions.Open(ctx, id)
	require.NoError(t, err)
	_, err = s.Local(collab.Insert{Text: "draft", UserID: uuid.New()})
	require.NoError(t, err)

	rec = serve(router, http.MethodGet, "/documents/"+id.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var view documentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Open)
	assert.Equal(t, "draft", view.Content)
	assert.Zero(t, view.Pending)

	early := crdt.Operation{ID: uuid.New(), Op: collab.Wrap(collab.Insert{Text: "later", UserID: uuid.New()}), Version: 3}
	_, err = s.Ingest(early)
	require.NoError(t, err)
	rec = serve(router, http.MethodGet, "/documents/"+id.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Pending)

	rec = serve(router, http.MethodDelete, "/documents/"+id.String())
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, sessions.Close(ctx, id))

	rec = serve(router, http.MethodGet, "/documents/"+id.String())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.Open)
	assert.Equal(t, "draft", view.Content)
	assert.Equal(t, uint64(1), view.Version)

	rec = serve(router, http.MethodDelete, "/documents/"+id.String())
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(router, http.MethodGet, "/documents/"+id.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
