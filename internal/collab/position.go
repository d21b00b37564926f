package collab

import "fmt"

// Position is a caret location in the current materialized text. Lines and
// columns are zero based and columns count characters, not bytes. A Position
// is not stable across concurrent edits.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Before reports whether p sorts strictly before q.
func (p Position) Before(q Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Column < q.Column
}

// PositionToIndex resolves pos to a byte offset in content by scanning it
// line by line. The position one past the last character resolves to
// len(content) so that appends work.
func PositionToIndex(content string, pos Position) (int, error) {
	if pos.Line < 0 || pos.Column < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPosition, pos)
	}
	line, col := 0, 0
	for i, r := range content {
		if line == pos.Line && col == pos.Column {
			return i, nil
		}
		if r == '\n' {
			line++
			col = 0
		} else {
			col++
		}
	}
	if line == pos.Line && col == pos.Column {
		return len(content), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidPosition, pos)
}

// IndexToPosition is the inverse of PositionToIndex. idx must fall on a
// character boundary within [0, len(content)]. Boundaries are found by the
// same stepping PositionToIndex uses, so a stray invalid byte counts as one
// character in both directions.
func IndexToPosition(content string, idx int) (Position, error) {
	if idx < 0 || idx > len(content) {
		return Position{}, fmt.Errorf("%w: offset %d out of bounds", ErrInvalidPosition, idx)
	}
	var pos Position
	for i, r := range content {
		if i == idx {
			return pos, nil
		}
		if i > idx {
			break
		}
		if r == '\n' {
			pos.Line++
			pos.Column = 0
		} else {
			pos.Column++
		}
	}
	if idx == len(content) {
		return pos, nil
	}
	return Position{}, fmt.Errorf("%w: offset %d splits a character", ErrInvalidPosition, idx)
}

// EndPosition returns the position just past the last character of content.
func EndPosition(content string) Position {
	pos, _ := IndexToPosition(content, len(content))
	return pos
}
