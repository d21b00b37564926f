// Package history records named versions of a document. A version is a full
// snapshot of the engine taken at one version number; versions can be
// listed, tagged and compared.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/collab"
)

// ErrVersionNotFound is returned for an unknown version number or tag.
var ErrVersionNotFound = errors.New("version not found")

// Version is one recorded state of a document.
type Version struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID uuid.UUID         `json:"document_id"`
	Number     uint64            `json:"version_number"`
	Content    string            `json:"content"`
	Operations []collab.Envelope `json:"operations"`
	AuthorID   uuid.UUID         `json:"author_id"`
	AuthorName string            `json:"author_name"`
	Message    string            `json:"commit_message,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Change is one edit that turns the older side of a Diff into the newer.
type Change struct {
	Operation  collab.Envelope `json:"operation"`
	AuthorID   uuid.UUID       `json:"author_id"`
	AuthorName string          `json:"author_name"`
}

// Diff is the result of Compare.
type Diff struct {
	From    uint64   `json:"version_a"`
	To      uint64   `json:"version_b"`
	Changes []Change `json:"changes"`
}

// VersionCreatedPayload is the payload of collab.EventVersionCreated.
type VersionCreatedPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	Version    Version   `json:"version"`
}

// History holds the versions of one document. It is not safe for concurrent
// use; the session that owns the document serializes access.
type History struct {
	DocumentID uuid.UUID          `json:"document_id"`
	Versions   map[uint64]Version `json:"versions"`
	Current    uint64             `json:"current_version"`
	Tags       map[string]uint64  `json:"tags"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`

	publisher collab.EventPublisher
	logger    *slog.Logger
}

// New returns an empty history for documentID.
func New(documentID uuid.UUID) *History {
	now := time.Now().UTC()
	return &History{
		DocumentID: documentID,
		Versions:   make(map[uint64]Version),
		Tags:       make(map[string]uint64),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetPublisher attaches an event bus for VersionCreated events.
func (h *History) SetPublisher(p collab.EventPublisher) {
	h.publisher = p
}

// SetLogger sets the logger used for publish failures.
func (h *History) SetLogger(logger *slog.Logger) {
	h.logger = logger
}

// Len returns the number of recorded versions.
func (h *History) Len() int {
	return len(h.Versions)
}

// Create records snapshot as the version with its own version number. Each
// number can be recorded once.
func (h *History) Create(snapshot collab.DocumentSnapshot, authorID uuid.UUID, authorName, message string) (Version, error) {
	h.init()
	if authorID == uuid.Nil {
		return Version{}, fmt.Errorf("%w: version needs an author", collab.ErrInvalidInput)
	}
	if snapshot.ID != h.DocumentID {
		return Version{}, fmt.Errorf("%w: snapshot of %s recorded in history of %s",
			collab.ErrInvalidInput, snapshot.ID, h.DocumentID)
	}
	if _, ok := h.Versions[snapshot.Version]; ok {
		return Version{}, fmt.Errorf("%w: version %d is already recorded", collab.ErrInvalidInput, snapshot.Version)
	}

	now := time.Now().UTC()
	v := Version{
		ID:         uuid.New(),
		DocumentID: h.DocumentID,
		Number:     snapshot.Version,
		Content:    snapshot.Content,
		Operations: slices.Clone(snapshot.Operations),
		AuthorID:   authorID,
		AuthorName: authorName,
		Message:    message,
		CreatedAt:  now,
	}
	h.Versions[v.Number] = v
	if v.Number >= h.Current {
		h.Current = v.Number
	}
	h.UpdatedAt = now
	h.publish(v)
	return v, nil
}

func (h *History) publish(v Version) {
	if h.publisher == nil {
		return
	}
	event, err := collab.NewEvent(collab.DomainCollaboration, collab.EventVersionCreated,
		VersionCreatedPayload{DocumentID: h.DocumentID, Version: v})
	if err == nil {
		err = h.publisher.Publish(event)
	}
	if err != nil {
		logger := h.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event publish failed",
			"document_id", h.DocumentID, "event", collab.EventVersionCreated, "error", err)
	}
}

// Get returns version number n.
func (h *History) Get(n uint64) (Version, error) {
	v, ok := h.Versions[n]
	if !ok {
		return Version{}, fmt.Errorf("%w: %d", ErrVersionNotFound, n)
	}
	return v, nil
}

// Latest returns the highest recorded version.
func (h *History) Latest() (Version, bool) {
	v, ok := h.Versions[h.Current]
	return v, ok
}

// List returns every version, oldest first.
func (h *History) List() []Version {
	out := make([]Version, 0, len(h.Versions))
	for _, n := range slices.Sorted(maps.Keys(h.Versions)) {
		out = append(out, h.Versions[n])
	}
	return out
}

// Tag names version n. Tagging an existing name moves it.
func (h *History) Tag(name string, n uint64) error {
	h.init()
	if name == "" {
		return fmt.Errorf("%w: empty tag name", collab.ErrInvalidInput)
	}
	if _, ok := h.Versions[n]; !ok {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, n)
	}
	h.Tags[name] = n
	h.UpdatedAt = time.Now().UTC()
	return nil
}

// Tagged returns the version a tag points at.
func (h *History) Tagged(name string) (Version, error) {
	n, ok := h.Tags[name]
	if !ok {
		return Version{}, fmt.Errorf("%w: tag %q", ErrVersionNotFound, name)
	}
	return h.Get(n)
}

// Compare returns the changes from version a to version b. Differing content
// yields one Replace of the whole of a's text with b's, authored by b.
func (h *History) Compare(a, b uint64) (Diff, error) {
	va, err := h.Get(a)
	if err != nil {
		return Diff{}, err
	}
	vb, err := h.Get(b)
	if err != nil {
		return Diff{}, err
	}
	diff := Diff{From: a, To: b, Changes: []Change{}}
	if va.Content == vb.Content {
		return diff, nil
	}
	diff.Changes = append(diff.Changes, Change{
		Operation: collab.Wrap(collab.Replace{
			Start:     collab.Position{},
			End:       collab.EndPosition(va.Content),
			Text:      vb.Content,
			UserID:    vb.AuthorID,
			Timestamp: vb.CreatedAt,
		}),
		AuthorID:   vb.AuthorID,
		AuthorName: vb.AuthorName,
	})
	return diff, nil
}

// Clone returns a deep copy. The copy has no publisher attached.
func (h *History) Clone() *History {
	c := &History{
		DocumentID: h.DocumentID,
		Versions:   make(map[uint64]Version, len(h.Versions)),
		Current:    h.Current,
		Tags:       maps.Clone(h.Tags),
		CreatedAt:  h.CreatedAt,
		UpdatedAt:  h.UpdatedAt,
	}
	for n, v := range h.Versions {
		v.Operations = slices.Clone(v.Operations)
		c.Versions[n] = v
	}
	if c.Tags == nil {
		c.Tags = make(map[string]uint64)
	}
	return c
}

// init makes a zero or decoded History usable.
func (h *History) init() {
	if h.Versions == nil {
		h.Versions = make(map[uint64]Version)
	}
	if h.Tags == nil {
		h.Tags = make(map[string]uint64)
	}
}
