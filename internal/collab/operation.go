package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is an atomic edit. The set of implementations is closed: Insert,
// Delete and Replace.
type Operation interface {
	// Author returns the id of the user who produced the edit.
	Author() uuid.UUID
	// Time returns when the edit was produced.
	Time() time.Time
	// Kind returns the wire tag of the variant.
	Kind() string

	apply(content string) (string, error)
}

// Insert splices Text at Position.
type Insert struct {
	Position  Position  `json:"position"`
	Text      string    `json:"text"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Delete removes the half-open range [Start, End).
type Delete struct {
	Start     Position  `json:"start"`
	End       Position  `json:"end"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Replace removes [Start, End) and splices Text in its place.
type Replace struct {
	Start     Position  `json:"start"`
	End       Position  `json:"end"`
	Text      string    `json:"text"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	KindInsert  = "Insert"
	KindDelete  = "Delete"
	KindReplace = "Replace"
)

func (op Insert) Author() uuid.UUID  { return op.UserID }
func (op Delete) Author() uuid.UUID  { return op.UserID }
func (op Replace) Author() uuid.UUID { return op.UserID }

func (op Insert) Time() time.Time  { return op.Timestamp }
func (op Delete) Time() time.Time  { return op.Timestamp }
func (op Replace) Time() time.Time { return op.Timestamp }

func (Insert) Kind() string  { return KindInsert }
func (Delete) Kind() string  { return KindDelete }
func (Replace) Kind() string { return KindReplace }

func (op Insert) apply(content string) (string, error) {
	idx, err := PositionToIndex(content, op.Position)
	if err != nil {
		return "", err
	}
	return content[:idx] + op.Text + content[idx:], nil
}

func (op Delete) apply(content string) (string, error) {
	start, end, err := resolveRange(content, op.Start, op.End)
	if err != nil {
		return "", err
	}
	return content[:start] + content[end:], nil
}

func (op Replace) apply(content string) (string, error) {
	start, end, err := resolveRange(content, op.Start, op.End)
	if err != nil {
		return "", err
	}
	return content[:start] + op.Text + content[end:], nil
}

func resolveRange(content string, start, end Position) (int, int, error) {
	s, err := PositionToIndex(content, start)
	if err != nil {
		return 0, 0, err
	}
	e, err := PositionToIndex(content, end)
	if err != nil {
		return 0, 0, err
	}
	if s > e {
		return 0, 0, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start, end)
	}
	return s, e, nil
}

// Apply returns content with op applied. Every position is resolved before
// anything is spliced, so a failed Apply leaves no partial result.
func Apply(content string, op Operation) (string, error) {
	if op == nil {
		return "", fmt.Errorf("%w: nil operation", ErrInvalidInput)
	}
	return op.apply(content)
}

// Envelope carries an Operation through JSON using the externally tagged
// form {"Insert": {...}}.
type Envelope struct {
	Operation
}

// Wrap returns op in an Envelope.
func Wrap(op Operation) Envelope {
	return Envelope{Operation: op}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Operation == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]Operation{e.Operation.Kind(): e.Operation})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Operation = nil
		return nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: operation must have exactly one variant tag, got %d", ErrInvalidInput, len(tagged))
	}
	for kind, raw := range tagged {
		op, err := decodeVariant(kind, raw)
		if err != nil {
			return err
		}
		e.Operation = op
	}
	return nil
}

func decodeVariant(kind string, raw json.RawMessage) (Operation, error) {
	switch kind {
	case KindInsert:
		var op Insert
		err := json.Unmarshal(raw, &op)
		return op, err
	case KindDelete:
		var op Delete
		err := json.Unmarshal(raw, &op)
		return op, err
	case KindReplace:
		var op Replace
		err := json.Unmarshal(raw, &op)
		return op, err
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, kind)
	}
}

// MarshalOperation encodes op in its wire form.
func MarshalOperation(op Operation) ([]byte, error) {
	return json.Marshal(Wrap(op))
}

// UnmarshalOperation decodes an operation from its wire form.
func UnmarshalOperation(data []byte) (Operation, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Operation == nil {
		return nil, fmt.Errorf("%w: empty operation", ErrInvalidInput)
	}
	return e.Operation, nil
}
