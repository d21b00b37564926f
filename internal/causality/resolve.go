package causality

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/collab"
)

// ActionKind enumerates the choices offered by the conflict-resolution UI.
type ActionKind int

const (
	// AcceptCurrent discards the incoming divergent state.
	AcceptCurrent ActionKind = iota
	// AcceptIncoming replaces the local text wholesale.
	AcceptIncoming
	// MergeCustom installs operator-authored text.
	MergeCustom
	// MergeBoth concatenates current and incoming text. It is the UI fallback
	// when the operator makes no explicit choice and is not a merge algorithm.
	MergeBoth
)

func (k ActionKind) String() string {
	switch k {
	case AcceptCurrent:
		return "accept_current"
	case AcceptIncoming:
		return "accept_incoming"
	case MergeCustom:
		return "merge_custom"
	case MergeBoth:
		return "merge_both"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one resolution choice. Text is only meaningful for MergeCustom.
type Action struct {
	Kind ActionKind `json:"kind"`
	Text string     `json:"text,omitempty"`
}

// Custom returns a MergeCustom action carrying text.
func Custom(text string) Action {
	return Action{Kind: MergeCustom, Text: text}
}

// Resolution reports what Resolve did.
type Resolution struct {
	Action Action
	// Applied is the whole-document Replace issued, nil when the action
	// discarded the incoming state.
	Applied *collab.Replace
}

// Resolve applies an operator's choice to doc. incoming is the divergent text
// the operator was shown. Every action other than AcceptCurrent becomes one
// Replace spanning the whole document, applied through the document's normal
// mutation path so it is versioned and published like any edit.
func Resolve(doc *collab.Document, incoming string, action Action, author uuid.UUID) (Resolution, error) {
	res := Resolution{Action: action}

	var text string
	switch action.Kind {
	case AcceptCurrent:
		return res, nil
	case AcceptIncoming:
		text = incoming
	case MergeCustom:
		text = action.Text
	case MergeBoth:
		text = doc.Content() + incoming
	default:
		return res, fmt.Errorf("%w: unknown resolution action %s", collab.ErrInvalidInput, action.Kind)
	}

	op := collab.Replace{
		Start:     collab.Position{},
		End:       collab.EndPosition(doc.Content()),
		Text:      text,
		UserID:    author,
		Timestamp: time.Now().UTC(),
	}
	if err := doc.ApplyOperation(op); err != nil {
		return res, fmt.Errorf("apply resolution: %w", err)
	}
	res.Applied = &op
	return res, nil
}
