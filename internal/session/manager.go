package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"collabtext/internal/causality"
	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
	"collabtext/internal/store"
)

// ErrDocumentOpen is returned by DeleteIfClosed for a document that is held
// or still loading.
var ErrDocumentOpen = errors.New("document is open")

// Manager hands out Sessions by document id. A document stays open while at
// least one caller holds it; the last Close persists it and drops it from
// memory.
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	// loading counts Opens of a document that are reading it from the store.
	loading map[uuid.UUID]int

	store     store.Store
	publisher collab.EventPublisher
	logger    *slog.Logger

	maxAhead   uint64
	maxPending int
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists sessions on Close and Flush and loads them on Open.
func WithStore(s store.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithPublisher attaches an event bus to every document opened.
func WithPublisher(p collab.EventPublisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPendingLimits bounds what each document holds back while waiting on
// causality. An incoming entry more than ahead versions past its author's
// reach is refused, and at most total entries wait per document. Zero keeps
// the default.
func WithPendingLimits(ahead uint64, total int) Option {
	return func(m *Manager) {
		m.maxAhead = ahead
		m.maxPending = total
	}
}

// NewManager creates a manager with no open sessions.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[uuid.UUID]*Session),
		loading:  make(map[uuid.UUID]int),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the session for id, loading it from the store or creating an
// empty document when it is not open yet. Every Open must be paired with a
// Close.
func (m *Manager) Open(ctx context.Context, id uuid.UUID) (*Session, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: nil document id", collab.ErrInvalidInput)
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.refs++
		m.mu.Unlock()
		return s, nil
	}
	m.loading[id]++
	m.mu.Unlock()

	loaded, err := m.load(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loading[id]--; m.loading[id] <= 0 {
		delete(m.loading, id)
	}
	if err != nil {
		return nil, err
	}
	if s, ok := m.sessions[id]; ok {
		// Another caller opened it while we were loading.
		s.refs++
		return s, nil
	}
	loaded.refs = 1
	m.sessions[id] = loaded
	m.logger.Info("document opened", "document_id", id, "version", loaded.doc.Version())
	return loaded, nil
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (*Session, error) {
	docOpts := []collab.Option{collab.WithID(id), collab.WithLogger(m.logger)}
	if m.publisher != nil {
		docOpts = append(docOpts, collab.WithPublisher(m.publisher))
	}
	s := &Session{
		detector:   causality.NewDetector(id, m.publisher, m.logger),
		logger:     m.logger,
		maxAhead:   m.maxAhead,
		maxPending: m.maxPending,
	}
	defer func() {
		if s.history == nil {
			s.history = history.New(id)
		}
		s.history.SetLogger(m.logger)
		if m.publisher != nil {
			s.history.SetPublisher(m.publisher)
		}
	}()

	if m.store == nil {
		s.doc = collab.NewDocument("", docOpts...)
		s.replica = crdt.NewWithID(id)
		return s, nil
	}

	snapshot, err := m.store.LoadDocument(ctx, id)
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		s.doc = collab.NewDocument("", docOpts...)
	case err != nil:
		return nil, fmt.Errorf("load document %s: %w", id, err)
	default:
		s.doc = collab.RestoreDocument(snapshot, docOpts...)
	}

	replica, err := m.store.LoadReplica(ctx, id)
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		s.replica = crdt.NewWithID(id)
	case err != nil:
		return nil, fmt.Errorf("load replica %s: %w", id, err)
	default:
		s.replica = replica
	}

	h, err := m.store.LoadHistory(ctx, id)
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
	case err != nil:
		return nil, fmt.Errorf("load history %s: %w", id, err)
	default:
		s.history = h
	}
	return s, nil
}

// Get returns an open session without taking a reference.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs returns the ids of open documents in no particular order.
func (m *Manager) IDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close releases one reference to id. The last release saves the document
// and removes it from memory.
func (m *Manager) Close(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.refs == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is not open", collab.ErrDocumentNotFound, id)
	}
	s.refs--
	last := s.refs == 0
	m.mu.Unlock()
	if !last {
		return nil
	}

	// Save while the session is still registered so a concurrent Open reuses
	// it instead of loading a stale copy.
	err := m.save(ctx, s)

	m.mu.Lock()
	if s.refs == 0 && m.sessions[id] == s {
		delete(m.sessions, id)
		m.logger.Info("document closed", "document_id", id)
	}
	m.mu.Unlock()
	return err
}

// DeleteIfClosed removes a document from the store unless it is open or being
// opened, in which case it returns ErrDocumentOpen. The check and the delete
// happen under the manager lock so no Open can slip in between.
func (m *Manager) DeleteIfClosed(ctx context.Context, id uuid.UUID) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok || m.loading[id] > 0 {
		return fmt.Errorf("%w: %s", ErrDocumentOpen, id)
	}
	if err := m.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	m.logger.Info("document deleted", "document_id", id)
	return nil
}

// Flush saves every open session without closing it.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := m.save(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	snapshot, replica := s.Snapshot()
	if err := m.store.SaveDocument(ctx, snapshot); err != nil {
		return fmt.Errorf("save document %s: %w", snapshot.ID, err)
	}
	if err := m.store.SaveReplica(ctx, replica); err != nil {
		return fmt.Errorf("save replica %s: %w", replica.ID, err)
	}
	if h := s.History(); h.Len() > 0 {
		if err := m.store.SaveHistory(ctx, h); err != nil {
			return fmt.Errorf("save history %s: %w", h.DocumentID, err)
		}
	}
	return nil
}
