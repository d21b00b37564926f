package causality

import (
	"fmt"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
)

// Span returns the region an operation touches, in the coordinates of the
// text it was written against. An insert spans the text it adds; a replace
// spans the larger of the removed range and the added text.
func Span(op collab.Operation) (start, end collab.Position) {
	switch op := op.(type) {
	case collab.Insert:
		return op.Position, advance(op.Position, op.Text)
	case collab.Delete:
		return op.Start, op.End
	case collab.Replace:
		end = advance(op.Start, op.Text)
		if end.Before(op.End) {
			end = op.End
		}
		return op.Start, end
	}
	return collab.Position{}, collab.Position{}
}

func advance(pos collab.Position, text string) collab.Position {
	for _, r := range text {
		if r == '\n' {
			pos.Line++
			pos.Column = 0
		} else {
			pos.Column++
		}
	}
	return pos
}

func overlap(a, b crdt.Operation) bool {
	as, ae := Span(a.Op.Operation)
	bs, be := Span(b.Op.Operation)
	return !ae.Before(bs) && !be.Before(as)
}

// DetectOverlaps pairs every incoming entry with each concurrent entry of a
// different author whose span touches its own. Concurrent entries are the
// ones the sender of incoming had not seen, so neither side ordered the two
// edits. Results follow the order of incoming, then concurrent.
func DetectOverlaps(incoming, concurrent []crdt.Operation) []Conflict {
	var conflicts []Conflict
	for _, in := range incoming {
		if in.Op.Operation == nil {
			continue
		}
		for _, other := range concurrent {
			if other.Op.Operation == nil || other.ID == in.ID || other.Author() == in.Author() {
				continue
			}
			if !overlap(in, other) {
				continue
			}
			start, end := Span(in.Op.Operation)
			conflicts = append(conflicts, Conflict{
				Kind:        KindOverlap,
				OperationID: in.ID,
				Author:      in.Author(),
				Version:     in.Version,
				ConflictsWith: &Entry{
					OperationID: other.ID,
					Author:      other.Author(),
					Version:     other.Version,
				},
				Description: fmt.Sprintf(
					"operation %s by author %s at %s-%s overlaps concurrent operation %s by author %s",
					in.ID, in.Author(), start, end, other.ID, other.Author()),
			})
		}
	}
	return conflicts
}
