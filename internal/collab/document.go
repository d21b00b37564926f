package collab

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Document is the document engine for one editing session. It owns the
// authoritative text and the linear log of every operation applied to it.
// Content changes only through ApplyOperation and HandleRemoteOperation.
type Document struct {
	id         uuid.UUID
	content    string
	version    uint64
	operations []Operation
	createdAt  time.Time
	updatedAt  time.Time

	presence map[uuid.UUID]*Presence

	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Document.
type Option func(*Document)

// WithID sets the document id. By default a random id is generated.
func WithID(id uuid.UUID) Option {
	return func(d *Document) {
		d.id = id
	}
}

// WithPublisher attaches an event bus. Without one no events are emitted.
func WithPublisher(p EventPublisher) Option {
	return func(d *Document) {
		d.publisher = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// WithClock overrides the time source used for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Document) {
		d.now = now
	}
}

// NewDocument creates a document session seeded with content.
func NewDocument(content string, opts ...Option) *Document {
	d := &Document{
		id:       uuid.New(),
		content:  content,
		presence: make(map[uuid.UUID]*Presence),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.createdAt = d.now()
	d.updatedAt = d.createdAt
	return d
}

func (d *Document) ID() uuid.UUID        { return d.id }
func (d *Document) Content() string      { return d.content }
func (d *Document) Version() uint64      { return d.version }
func (d *Document) CreatedAt() time.Time { return d.createdAt }
func (d *Document) UpdatedAt() time.Time { return d.updatedAt }

// Operations returns a copy of the operation log in application order.
func (d *Document) Operations() []Operation {
	return slices.Clone(d.operations)
}

// ApplyOperation applies a locally authored operation. A rejected operation
// leaves the document untouched and never enters the log.
func (d *Document) ApplyOperation(op Operation) error {
	return d.apply(op, false)
}

// HandleRemoteOperation applies an operation delivered from another replica.
// The contract is identical to ApplyOperation.
func (d *Document) HandleRemoteOperation(op Operation) error {
	return d.apply(op, true)
}

func (d *Document) apply(op Operation, remote bool) error {
	next, err := Apply(d.content, op)
	if err != nil {
		d.logger.Debug("operation rejected",
			"document_id", d.id, "remote", remote, "error", err)
		return err
	}

	d.content = next
	d.operations = append(d.operations, op)
	d.version++
	d.updatedAt = d.now()

	d.logger.Debug("operation applied",
		"document_id", d.id, "kind", op.Kind(), "author", op.Author(),
		"version", d.version, "remote", remote)

	d.publish(EventOperationApplied, OperationAppliedPayload{
		DocumentID: d.id,
		Operation:  Wrap(op),
		Version:    d.version,
		Remote:     remote,
	})
	return nil
}

// HandleUserJoined records presence for userID and emits UserJoinedDocument.
// Joining twice refreshes the record.
func (d *Document) HandleUserJoined(userID uuid.UUID, userName string) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: nil user id", ErrInvalidInput)
	}
	now := d.now()
	if p, ok := d.presence[userID]; ok {
		p.UserName = userName
		p.LastSeen = now
	} else {
		d.presence[userID] = &Presence{
			UserID:   userID,
			UserName: userName,
			JoinedAt: now,
			LastSeen: now,
		}
	}
	d.publish(EventUserJoinedDocument, PresencePayload{
		DocumentID: d.id,
		UserID:     userID,
		UserName:   userName,
	})
	return nil
}

// HandleUserLeft drops presence for userID. It reports whether the user was
// present.
func (d *Document) HandleUserLeft(userID uuid.UUID) bool {
	p, ok := d.presence[userID]
	if !ok {
		return false
	}
	delete(d.presence, userID)
	d.publish(EventUserLeftDocument, PresencePayload{
		DocumentID: d.id,
		UserID:     userID,
		UserName:   p.UserName,
	})
	return true
}

// UpdateCursor moves the caret of a present user. The position must resolve
// against the current content.
func (d *Document) UpdateCursor(userID uuid.UUID, pos Position) error {
	p, ok := d.presence[userID]
	if !ok {
		return fmt.Errorf("%w: user %s has not joined", ErrInvalidInput, userID)
	}
	if _, err := PositionToIndex(d.content, pos); err != nil {
		return err
	}
	p.Cursor = &pos
	p.LastSeen = d.now()
	return nil
}

// Presences lists the users present in the document, oldest first.
func (d *Document) Presences() []Presence {
	out := make([]Presence, 0, len(d.presence))
	for _, p := range d.presence {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Presence) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return slices.Compare(a.UserID[:], b.UserID[:])
	})
	return out
}

// publish hands an event to the attached bus. Failures are logged and never
// undo the mutation that produced the event.
func (d *Document) publish(name string, payload any) {
	if d.publisher == nil {
		return
	}
	event, err := NewEvent(DomainCollaboration, name, payload)
	if err == nil {
		err = d.publisher.Publish(event)
	}
	if err != nil {
		if !errors.Is(err, ErrEventPublish) {
			err = fmt.Errorf("%w: %w", ErrEventPublish, err)
		}
		d.logger.Warn("event publish failed",
			"document_id", d.id, "event", name, "error", err)
	}
}

// DocumentSnapshot is the persisted form of a Document.
type DocumentSnapshot struct {
	ID         uuid.UUID  `json:"id"`
	Content    string     `json:"content"`
	Version    uint64     `json:"version"`
	Operations []Envelope `json:"operations"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Snapshot captures the document state. Presence is session-only and is not
// included.
func (d *Document) Snapshot() DocumentSnapshot {
	ops := make([]Envelope, len(d.operations))
	for i, op := range d.operations {
		ops[i] = Wrap(op)
	}
	return DocumentSnapshot{
		ID:         d.id,
		Content:    d.content,
		Version:    d.version,
		Operations: ops,
		CreatedAt:  d.createdAt,
		UpdatedAt:  d.updatedAt,
	}
}

// RestoreDocument rebuilds a Document from a snapshot. Options other than
// WithID apply as in NewDocument.
func RestoreDocument(s DocumentSnapshot, opts ...Option) *Document {
	d := NewDocument(s.Content, opts...)
	d.id = s.ID
	d.version = s.Version
	d.operations = make([]Operation, 0, len(s.Operations))
	for _, e := range s.Operations {
		if e.Operation != nil {
			d.operations = append(d.operations, e.Operation)
		}
	}
	d.createdAt = s.CreatedAt
	d.updatedAt = s.UpdatedAt
	return d
}
