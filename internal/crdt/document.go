// Package crdt implements the replica store: one append-only operation log
// per author plus a version vector. Merging replicas only ever adds entries
// and raises vector counters, so merge is idempotent, commutative and
// associative.
//
// The store does not materialize text on its own. Readers derive content by
// replaying Ordered, which is the same on every replica that has seen the
// same set of operations.
package crdt

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/collab"
)

// Operation is an edit as stored in a replica.
type Operation struct {
	ID uuid.UUID `json:"id"`
	// ParentID is the previous entry of the same author, when known. It is
	// carried for a future DAG-aware transform and is not used by Merge.
	ParentID  *uuid.UUID      `json:"parent_id,omitempty"`
	Op        collab.Envelope `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
	// Version is strictly increasing within one author's log, starting at 1.
	Version uint64 `json:"version"`
}

// Author returns the author of the wrapped edit.
func (o Operation) Author() uuid.UUID {
	if o.Op.Operation == nil {
		return uuid.Nil
	}
	return o.Op.Author()
}

// Document is one replica of a collaborative document. Content is keyed by
// author and each author's log is ordered by version.
//
// A Document is not safe for concurrent use.
type Document struct {
	ID            uuid.UUID                 `json:"id"`
	Content       map[uuid.UUID][]Operation `json:"content"`
	VersionVector VersionVector             `json:"version_vector"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// New returns an empty replica with a random id.
func New() *Document {
	return NewWithID(uuid.New())
}

// NewWithID returns an empty replica for document id.
func NewWithID(id uuid.UUID) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:            id,
		Content:       make(map[uuid.UUID][]Operation),
		VersionVector: make(VersionVector),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ApplyOperation appends a locally originated edit to author's log under the
// next version. Local edits are always causally ready for their own author,
// so no causality check is made.
func (d *Document) ApplyOperation(author uuid.UUID, op collab.Operation) (Operation, error) {
	if op == nil {
		return Operation{}, fmt.Errorf("%w: nil operation", collab.ErrInvalidInput)
	}
	d.init()

	version := d.VersionVector[author] + 1
	entry := Operation{
		ID:        uuid.New(),
		Op:        collab.Wrap(op),
		Timestamp: time.Now().UTC(),
		Version:   version,
	}
	if log := d.Content[author]; len(log) > 0 {
		parent := log[len(log)-1].ID
		entry.ParentID = &parent
	}

	d.Content[author] = append(d.Content[author], entry)
	d.VersionVector[author] = version
	d.UpdatedAt = entry.Timestamp
	return entry, nil
}

// Merge incorporates every entry of other that this replica has not stored
// yet and raises the version vector to the pointwise maximum. Stored entries
// are never removed or rewritten.
func (d *Document) Merge(other *Document) error {
	if other == nil || other == d {
		return nil
	}
	d.init()

	changed := false
	for author, entries := range other.Content {
		if d.mergeAuthor(author, entries) {
			changed = true
		}
	}
	for author, v := range other.VersionVector {
		if v > d.VersionVector[author] {
			d.VersionVector[author] = v
			changed = true
		}
	}
	if changed {
		d.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Incorporate merges loose entries, such as a batch received from a peer,
// attributing each to the author of its wrapped edit.
func (d *Document) Incorporate(entries ...Operation) error {
	batch := NewWithID(d.ID)
	for _, e := range entries {
		author := e.Author()
		if author == uuid.Nil {
			return fmt.Errorf("%w: entry %s has no author", collab.ErrInvalidInput, e.ID)
		}
		batch.Content[author] = append(batch.Content[author], e)
		if e.Version > batch.VersionVector[author] {
			batch.VersionVector[author] = e.Version
		}
	}
	return d.Merge(batch)
}

func (d *Document) mergeAuthor(author uuid.UUID, entries []Operation) bool {
	log := d.Content[author]
	have := make(map[uint64]struct{}, len(log))
	for _, e := range log {
		have[e.Version] = struct{}{}
	}

	added := false
	for _, e := range entries {
		if _, ok := have[e.Version]; ok {
			continue
		}
		have[e.Version] = struct{}{}
		i, _ := slices.BinarySearchFunc(log, e.Version, func(o Operation, v uint64) int {
			return cmp.Compare(o.Version, v)
		})
		log = slices.Insert(log, i, e)
		added = true
	}
	if added {
		d.Content[author] = log
		if last := log[len(log)-1].Version; last > d.VersionVector[author] {
			d.VersionVector[author] = last
		}
	}
	return added
}

// Since returns the entries a replica holding vv has not seen, in replay
// order.
func (d *Document) Since(vv VersionVector) []Operation {
	var out []Operation
	for author, log := range d.Content {
		known := vv.Get(author)
		i, _ := slices.BinarySearchFunc(log, known+1, func(e Operation, v uint64) int {
			return cmp.Compare(e.Version, v)
		})
		out = append(out, log[i:]...)
	}
	SortReplay(out)
	return out
}

// Len returns the number of stored entries across all authors.
func (d *Document) Len() int {
	n := 0
	for _, log := range d.Content {
		n += len(log)
	}
	return n
}

// Clone returns a deep copy of the replica.
func (d *Document) Clone() *Document {
	c := &Document{
		ID:            d.ID,
		Content:       make(map[uuid.UUID][]Operation, len(d.Content)),
		VersionVector: d.VersionVector.Clone(),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	for author, log := range d.Content {
		c.Content[author] = slices.Clone(log)
	}
	return c
}

// init makes a zero or decoded Document usable.
func (d *Document) init() {
	if d.Content == nil {
		d.Content = make(map[uuid.UUID][]Operation)
	}
	if d.VersionVector == nil {
		d.VersionVector = make(VersionVector)
	}
}
