// Package causality decides which received operations are causally
// deliverable against a version vector and explains the ones that are not.
// It also flags concurrent edits by different authors that touch the same
// region. It never mutates a replica; the resolution workflow decides what to
// do with its findings.
package causality

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
)

// ConflictKind tells the two kinds of finding apart.
type ConflictKind string

const (
	// KindCausal marks an operation waiting for an earlier version of its
	// author.
	KindCausal ConflictKind = "causal"
	// KindOverlap marks concurrent operations of different authors whose
	// ranges collide.
	KindOverlap ConflictKind = "overlap"
)

// Entry identifies one replica entry.
type Entry struct {
	OperationID uuid.UUID `json:"operation_id"`
	Author      uuid.UUID `json:"author"`
	Version     uint64    `json:"version"`
}

// Conflict describes an operation that cannot be delivered yet, or one that
// collides with a concurrent edit.
type Conflict struct {
	Kind        ConflictKind `json:"kind"`
	OperationID uuid.UUID    `json:"operation_id"`
	Author      uuid.UUID    `json:"author"`
	// Version is the version the operation carries.
	Version uint64 `json:"version"`
	// Known is the version vector entry for Author at analysis time.
	Known uint64 `json:"known"`
	// ConflictsWith is the concurrent entry an overlap collides with.
	ConflictsWith *Entry `json:"conflicts_with,omitempty"`
	Description   string `json:"description"`
}

func (c Conflict) String() string {
	return c.Description
}

// Ready reports whether op can be delivered against vv: every earlier
// operation of its author has been incorporated.
func Ready(op crdt.Operation, vv crdt.VersionVector) bool {
	return vv.Get(op.Author())+1 >= op.Version
}

// AnalyzeConflicts returns one Conflict per pending operation that is not
// causally ready, in input order. It returns nil when all are ready.
func AnalyzeConflicts(pending []crdt.Operation, vv crdt.VersionVector) []Conflict {
	var conflicts []Conflict
	for _, op := range pending {
		if Ready(op, vv) {
			continue
		}
		known := vv.Get(op.Author())
		conflicts = append(conflicts, Conflict{
			Kind:        KindCausal,
			OperationID: op.ID,
			Author:      op.Author(),
			Version:     op.Version,
			Known:       known,
			Description: fmt.Sprintf(
				"operation %s by author %s attempts version %d but only version %d of that author has been incorporated",
				op.ID, op.Author(), op.Version, known),
		})
	}
	return conflicts
}

// Partition splits pending into operations deliverable now and those that
// are blocked, preserving input order within each group.
func Partition(pending []crdt.Operation, vv crdt.VersionVector) (ready, blocked []crdt.Operation) {
	for _, op := range pending {
		if Ready(op, vv) {
			ready = append(ready, op)
		} else {
			blocked = append(blocked, op)
		}
	}
	return ready, blocked
}

// Detector runs the analyses for one document and reports findings on an
// event bus.
type Detector struct {
	documentID uuid.UUID
	publisher  collab.EventPublisher
	logger     *slog.Logger
}

// NewDetector creates a detector for documentID. publisher may be nil.
func NewDetector(documentID uuid.UUID, publisher collab.EventPublisher, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{documentID: documentID, publisher: publisher, logger: logger}
}

// ConflictDetectedPayload is the payload of collab.EventConflictDetected.
type ConflictDetectedPayload struct {
	DocumentID uuid.UUID  `json:"document_id"`
	Conflicts  []Conflict `json:"conflicts"`
}

// Overlaps runs DetectOverlaps and reports what it finds.
func (d *Detector) Overlaps(incoming, concurrent []crdt.Operation) []Conflict {
	conflicts := DetectOverlaps(incoming, concurrent)
	d.Report(conflicts)
	return conflicts
}

// Report logs conflicts and publishes one ConflictDetected event for them.
// An empty slice is ignored.
func (d *Detector) Report(conflicts []Conflict) {
	if len(conflicts) == 0 {
		return
	}
	d.logger.Info("conflicts detected",
		"document_id", d.documentID, "count", len(conflicts), "kind", conflicts[0].Kind)

	if d.publisher == nil {
		return
	}
	event, err := collab.NewEvent(collab.DomainCollaboration, collab.EventConflictDetected,
		ConflictDetectedPayload{DocumentID: d.documentID, Conflicts: conflicts})
	if err == nil {
		err = d.publisher.Publish(event)
	}
	if err != nil {
		d.logger.Warn("event publish failed",
			"document_id", d.documentID, "event", collab.EventConflictDetected, "error", err)
	}
}
