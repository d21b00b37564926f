package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"collabtext/internal/connection"
	"collabtext/internal/eventbus"
	"collabtext/internal/session"
)

// status serves the agent's health report.
type status struct {
	sessions *session.Manager
	bus      *eventbus.Memory
	conns    *connection.Manager
	logger   *slog.Logger
}

type healthView struct {
	Status        string                     `json:"status"`
	OpenDocuments int                        `json:"open_documents"`
	DroppedEvents uint64                     `json:"dropped_events"`
	Peers         map[string]connection.Info `json:"peers"`
}

func (s *status) register(r *mux.Router) {
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
}

func (s *status) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(healthView{
		Status:        "ok",
		OpenDocuments: len(s.sessions.IDs()),
		DroppedEvents: s.bus.Dropped(),
		Peers:         s.conns.Peers(),
	})
	if err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}

type documentLister interface {
	List(ctx context.Context) ([]uuid.UUID, error)
}

// documentsToSync returns the configured documents, or every stored one when
// none are configured.
func documentsToSync(ctx context.Context, configured []uuid.UUID, st documentLister) ([]uuid.UUID, error) {
	if len(configured) > 0 {
		return configured, nil
	}
	return st.List(ctx)
}
