package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"collabtext/internal/collab"
	"collabtext/internal/history"
	"collabtext/internal/session"
)

type createVersionRequest struct {
	AuthorID   uuid.UUID `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Message    string    `json:"commit_message"`
}

type tagRequest struct {
	Version uint64 `json:"version"`
}

func (a *api) listVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	h, err := a.loadHistory(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, h.List())
}

func (a *api) getVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	n, ok := versionNumber(w, mux.Vars(r)["n"])
	if !ok {
		return
	}
	h, err := a.loadHistory(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	v, err := h.Get(n)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

func (a *api) compareVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	from, ok := versionNumber(w, vars["a"])
	if !ok {
		return
	}
	to, ok := versionNumber(w, vars["b"])
	if !ok {
		return
	}
	h, err := a.loadHistory(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	diff, err := h.Compare(from, to)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, diff)
}

func (a *api) createVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var v history.Version
	err := a.withSession(r.Context(), id, func(s *session.Session) error {
		var err error
		v, err = s.CreateVersion(req.AuthorID, req.AuthorName, req.Message)
		return err
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, v)
}

func (a *api) tagVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	name := mux.Vars(r)["name"]
	err := a.withSession(r.Context(), id, func(s *session.Session) error {
		return s.TagVersion(name, req.Version)
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadHistory returns the versions of an open document, or the stored ones of a
// closed document. A stored document with no versions yet has an empty
// history.
func (a *api) loadHistory(ctx context.Context, id uuid.UUID) (*history.History, error) {
	if s, open := a.sessions.Get(id); open {
		return s.History(), nil
	}
	h, err := a.store.LoadHistory(ctx, id)
	if !errors.Is(err, collab.ErrDocumentNotFound) {
		return h, err
	}
	if _, err := a.store.LoadDocument(ctx, id); err != nil {
		return nil, err
	}
	return history.New(id), nil
}

// withSession runs fn on an existing document. Closing afterwards persists
// whatever fn changed.
func (a *api) withSession(ctx context.Context, id uuid.UUID, fn func(*session.Session) error) error {
	if _, open := a.sessions.Get(id); !open {
		if _, err := a.store.LoadDocument(ctx, id); err != nil {
			return err
		}
	}
	s, err := a.sessions.Open(ctx, id)
	if err != nil {
		return err
	}
	fnErr := fn(s)
	if err := a.sessions.Close(ctx, id); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

func versionNumber(w http.ResponseWriter, raw string) (uint64, bool) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid version %q", raw), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
