// Package session owns open documents. Each Session pairs the document
// engine with its CRDT replica behind one lock, so the two never drift apart
// and callers on different goroutines can share a document safely.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"collabtext/internal/causality"
	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/history"
)

const (
	// DefaultMaxAhead is how far past an author's known version an incoming
	// entry may be before the batch is refused.
	DefaultMaxAhead = 1024
	// DefaultMaxPending caps the entries a document holds back.
	DefaultMaxPending = 4096

	// maxOverlapPairs bounds the accepted x concurrent comparisons one
	// IngestFrom call makes.
	maxOverlapPairs = 1 << 16
)

// Session is one open document. All methods are safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	doc      *collab.Document
	replica  *crdt.Document
	detector *causality.Detector
	pending  []crdt.Operation
	history  *history.History
	logger   *slog.Logger

	maxAhead   uint64
	maxPending int

	refs int
}

// Rejected is an entry that was incorporated into the replica but could not
// be applied to the materialized text.
type Rejected struct {
	Operation crdt.Operation
	Err       error
}

// IngestResult reports what Ingest did with a batch.
type IngestResult struct {
	// Applied lists the entries delivered to the engine, in delivery order.
	Applied []crdt.Operation
	// Rejected lists entries whose positions did not resolve against the
	// current text.
	Rejected []Rejected
	// Duplicates counts entries the replica already held.
	Duplicates int
	// Conflicts explains every entry still waiting for an earlier version of
	// its author. Only entries that started waiting in this call are
	// published as events.
	Conflicts []causality.Conflict
	// Overlaps lists accepted entries whose ranges collide with concurrent
	// entries of other authors. Only IngestFrom reports them.
	Overlaps []causality.Conflict
	// Dropped counts waiting entries discarded because the document's pending
	// queue was full. A later sync delivers them again.
	Dropped int
}

func (s *Session) ID() uuid.UUID {
	return s.doc.ID()
}

func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Content()
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Version()
}

// VersionVector returns a copy of the replica's version vector.
func (s *Session) VersionVector() crdt.VersionVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.VersionVector.Clone()
}

// Snapshot returns the engine snapshot and a copy of the replica.
func (s *Session) Snapshot() (collab.DocumentSnapshot, *crdt.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot(), s.replica.Clone()
}

// Pending returns the entries waiting on causality.
func (s *Session) Pending() []crdt.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crdt.Operation, len(s.pending))
	copy(out, s.pending)
	return out
}

// Since returns the replica entries a peer holding vv is missing.
func (s *Session) Since(vv crdt.VersionVector) []crdt.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Since(vv)
}

// Local applies an edit made by a user of this replica. The engine applies it
// first; only an accepted edit is recorded in the replica under its author.
func (s *Session) Local(op collab.Operation) (crdt.Operation, error) {
	if op == nil || op.Author() == uuid.Nil {
		return crdt.Operation{}, fmt.Errorf("%w: operation needs an author", collab.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.doc.ApplyOperation(op); err != nil {
		return crdt.Operation{}, err
	}
	return s.replica.ApplyOperation(op.Author(), op)
}

// Ingest takes entries received from other replicas together with entries
// held back by earlier calls. Causally ready entries are merged into the
// replica and applied to the engine in version order; the rest stay pending
// until their predecessors arrive.
//
// A batch holding an entry more than the configured limit ahead of its
// author's known version is refused as a whole.
func (s *Session) Ingest(entries ...crdt.Operation) (IngestResult, error) {
	return s.IngestFrom(nil, entries...)
}

// IngestFrom is Ingest for a batch whose sender reported the version vector
// base. Entries this replica held before the call that base does not cover
// were made concurrently with the batch; accepted entries whose ranges
// collide with them are reported as Overlaps. A nil base skips the check.
func (s *Session) IngestFrom(base crdt.VersionVector, entries ...crdt.Operation) (IngestResult, error) {
	for _, e := range entries {
		if e.Op.Operation == nil || e.Author() == uuid.Nil || e.Version == 0 {
			return IngestResult{}, fmt.Errorf("%w: malformed entry %s", collab.ErrInvalidInput, e.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAhead(entries); err != nil {
		return IngestResult{}, err
	}

	var concurrent []crdt.Operation
	if base != nil {
		concurrent = s.replica.Since(base)
	}
	waiting := make(map[slot]struct{}, len(s.pending))
	for _, e := range s.pending {
		waiting[slot{e.Author(), e.Version}] = struct{}{}
	}

	var res IngestResult
	queue := append(s.pending, entries...)
	s.pending = nil

	for len(queue) > 0 {
		ready, blocked := causality.Partition(queue, s.replica.VersionVector)
		if len(ready) == 0 {
			break
		}
		crdt.SortReplay(ready)
		for _, e := range ready {
			if s.replica.VersionVector.Covers(e.Author(), e.Version) {
				res.Duplicates++
				continue
			}
			if err := s.replica.Incorporate(e); err != nil {
				return res, fmt.Errorf("incorporate %s: %w", e.ID, err)
			}
			if err := s.doc.HandleRemoteOperation(e.Op.Operation); err != nil {
				s.logger.Warn("remote operation did not apply",
					"document_id", s.doc.ID(), "operation_id", e.ID, "author", e.Author(),
					"version", e.Version, "error", err)
				res.Rejected = append(res.Rejected, Rejected{Operation: e, Err: err})
				continue
			}
			res.Applied = append(res.Applied, e)
		}
		queue = blocked
	}

	s.pending = dedupePending(queue)
	if over := len(s.pending) - s.limitPending(); over > 0 {
		crdt.SortReplay(s.pending)
		s.pending = s.pending[:len(s.pending)-over]
		res.Dropped = over
		s.logger.Warn("pending queue full, dropped entries",
			"document_id", s.doc.ID(), "dropped", over, "pending", len(s.pending))
	}

	res.Conflicts = causality.AnalyzeConflicts(s.pending, s.replica.VersionVector)
	var fresh []causality.Conflict
	for _, c := range res.Conflicts {
		if _, ok := waiting[slot{c.Author, c.Version}]; !ok {
			fresh = append(fresh, c)
		}
	}
	s.detector.Report(fresh)

	if accepted := res.accepted(); len(accepted) > 0 && len(concurrent) > 0 {
		if len(accepted)*len(concurrent) > maxOverlapPairs {
			s.logger.Debug("overlap check skipped",
				"document_id", s.doc.ID(), "accepted", len(accepted), "concurrent", len(concurrent))
		} else {
			res.Overlaps = s.detector.Overlaps(accepted, concurrent)
		}
	}
	return res, nil
}

// accepted returns every entry this call added to the replica.
func (r IngestResult) accepted() []crdt.Operation {
	out := make([]crdt.Operation, 0, len(r.Applied)+len(r.Rejected))
	out = append(out, r.Applied...)
	for _, rej := range r.Rejected {
		out = append(out, rej.Operation)
	}
	return out
}

// checkAhead refuses entries too far past what the replica can reach. The
// reach of an author is its known version extended by the run of consecutive
// versions the batch itself carries, so a long sync delta passes.
func (s *Session) checkAhead(entries []crdt.Operation) error {
	carried := make(map[slot]struct{}, len(entries))
	for _, e := range entries {
		carried[slot{e.Author(), e.Version}] = struct{}{}
	}
	reach := make(map[uuid.UUID]uint64)
	for _, e := range entries {
		author := e.Author()
		r, ok := reach[author]
		if !ok {
			r = s.replica.VersionVector.Get(author)
			for {
				if _, ok := carried[slot{author, r + 1}]; !ok {
					break
				}
				r++
			}
			reach[author] = r
		}
		if e.Version > r+s.limitAhead() {
			return fmt.Errorf("%w: entry %s is version %d of author %s, reachable version is %d",
				collab.ErrInvalidInput, e.ID, e.Version, author, r)
		}
	}
	return nil
}

func (s *Session) limitAhead() uint64 {
	if s.maxAhead == 0 {
		return DefaultMaxAhead
	}
	return s.maxAhead
}

func (s *Session) limitPending() int {
	if s.maxPending <= 0 {
		return DefaultMaxPending
	}
	return s.maxPending
}

type slot struct {
	author  uuid.UUID
	version uint64
}

func dedupePending(ops []crdt.Operation) []crdt.Operation {
	if len(ops) == 0 {
		return nil
	}
	seen := make(map[slot]struct{}, len(ops))
	out := ops[:0:0]
	for _, e := range ops {
		k := slot{e.Author(), e.Version}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Resolve applies an operator's choice between the local text and incoming.
// A resulting Replace is recorded in the replica like any local edit and
// returned so it can be shipped to peers.
func (s *Session) Resolve(incoming string, action causality.Action, author uuid.UUID) (causality.Resolution, *crdt.Operation, error) {
	if author == uuid.Nil {
		return causality.Resolution{}, nil, fmt.Errorf("%w: resolution needs an author", collab.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := causality.Resolve(s.doc, incoming, action, author)
	if err != nil || res.Applied == nil {
		return res, nil, err
	}
	entry, err := s.replica.ApplyOperation(author, *res.Applied)
	if err != nil {
		return res, nil, err
	}
	return res, &entry, nil
}

// Join records presence for a user.
func (s *Session) Join(userID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.HandleUserJoined(userID, name)
}

// Leave drops presence for a user.
func (s *Session) Leave(userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.HandleUserLeft(userID)
}

// UpdateCursor moves a present user's caret.
func (s *Session) UpdateCursor(userID uuid.UUID, pos collab.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.UpdateCursor(userID, pos)
}

// Presences lists present users, oldest first.
func (s *Session) Presences() []collab.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Presences()
}

// CreateVersion records the current text as a named version.
func (s *Session) CreateVersion(authorID uuid.UUID, authorName, message string) (history.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Create(s.doc.Snapshot(), authorID, authorName, message)
}

// Versions lists recorded versions, oldest first.
func (s *Session) Versions() []history.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.List()
}

// GetVersion returns recorded version n.
func (s *Session) GetVersion(n uint64) (history.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Get(n)
}

// TagVersion names recorded version n.
func (s *Session) TagVersion(name string, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Tag(name, n)
}

// CompareVersions returns the changes between two recorded versions.
func (s *Session) CompareVersions(a, b uint64) (history.Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Compare(a, b)
}

// History returns a copy of the version history.
func (s *Session) History() *history.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Clone()
}
