package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"collabtext/internal/collab"
	"collabtext/internal/history"
	"collabtext/internal/session"
	"collabtext/internal/store"
)

// api serves the plain HTTP endpoints next to the document sockets.
type api struct {
	sessions *session.Manager
	store    store.Store
	logger   *slog.Logger
}

func newAPI(sessions *session.Manager, st store.Store, logger *slog.Logger) *api {
	return &api{sessions: sessions, store: st, logger: logger}
}

func (a *api) register(r *mux.Router) {
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	r.HandleFunc("/documents/{docID}", a.getDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{docID}", a.deleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/documents/{docID}/versions", a.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/documents/{docID}/versions", a.createVersion).Methods(http.MethodPost)
	r.HandleFunc("/documents/{docID}/versions/{n}", a.getVersion).Methods(http.MethodGet)
	r.HandleFunc("/documents/{docID}/versions/{a}/compare/{b}", a.compareVersions).Methods(http.MethodGet)
	r.HandleFunc("/documents/{docID}/tags/{name}", a.tagVersion).Methods(http.MethodPut)
}

type documentView struct {
	collab.DocumentSnapshot
	Open      bool              `json:"open"`
	Presences []collab.Presence `json:"presences,omitempty"`
	// Pending counts entries waiting for earlier versions of their authors.
	Pending int `json:"pending,omitempty"`
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"open_documents": len(a.sessions.IDs()),
	})
}

func (a *api) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	if s, open := a.sessions.Get(id); open {
		snapshot, _ := s.Snapshot()
		a.writeJSON(w, http.StatusOK, documentView{
			DocumentSnapshot: snapshot,
			Open:             true,
			Presences:        s.Presences(),
			Pending:          len(s.Pending()),
		})
		return
	}
	snapshot, err := a.store.LoadDocument(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, documentView{DocumentSnapshot: snapshot})
}

func (a *api) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	if err := a.sessions.DeleteIfClosed(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["docID"])
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		http.Error(w, "document not found", http.StatusNotFound)
	case errors.Is(err, history.ErrVersionNotFound):
		http.Error(w, "version not found", http.StatusNotFound)
	case errors.Is(err, session.ErrDocumentOpen):
		http.Error(w, "document is open", http.StatusConflict)
	case errors.Is(err, collab.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("writing response", "error", err)
	}
}
