package collab

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionToIndex(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pos     Position
		want    int
		wantErr bool
	}{
		{"empty document origin", "", Position{0, 0}, 0, false},
		{"start of text", "Hello", Position{0, 0}, 0, false},
		{"middle of line", "Hello", Position{0, 2}, 2, false},
		{"append at end", "Hello", Position{0, 5}, 5, false},
		{"second line start", "ab\ncd", Position{1, 0}, 3, false},
		{"second line end", "ab\ncd", Position{1, 2}, 5, false},
		{"end of first line", "ab\ncd", Position{0, 2}, 2, false},
		{"after trailing newline", "ab\n", Position{1, 0}, 3, false},
		{"multibyte column", "héllo", Position{0, 2}, 3, false},
		{"column past line end", "ab\ncd", Position{0, 3}, 0, true},
		{"line out of bounds", "Hello", Position{5, 0}, 0, true},
		{"column past document end", "Hello", Position{0, 6}, 0, true},
		{"negative", "Hello", Position{-1, 0}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PositionToIndex(tt.content, tt.pos)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPosition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPositionRoundTrip(t *testing.T) {
	contents := []string{
		"",
		"Hello",
		"line one\nline two\n\nline four",
		"naïve\ncafé ☕\n",
		"a\x80b",
		"\xff\n\xfe\xfdz",
	}
	for _, content := range contents {
		end := EndPosition(content)
		for line := 0; line <= end.Line; line++ {
			for col := 0; col < 16; col++ {
				pos := Position{Line: line, Column: col}
				idx, err := PositionToIndex(content, pos)
				if err != nil {
					continue
				}
				back, err := IndexToPosition(content, idx)
				require.NoError(t, err)
				assert.Equal(t, pos, back, "content %q", content)
			}
		}
	}
}

func TestIndexToPosition_Invalid(t *testing.T) {
	_, err := IndexToPosition("abc", 4)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = IndexToPosition("é", 1)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestIndexToPosition_InvalidUTF8(t *testing.T) {
	content := "a\x80b"

	idx, err := PositionToIndex(content, Position{Line: 0, Column: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	pos, err := IndexToPosition(content, idx)
	require.NoError(t, err)
	assert.Equal(t, Position{Line: 0, Column: 1}, pos)

	pos, err = IndexToPosition(content, 2)
	require.NoError(t, err)
	assert.Equal(t, Position{Line: 0, Column: 2}, pos)
	assert.Equal(t, Position{Line: 0, Column: 3}, EndPosition(content))

	next, err := Apply(content, Insert{Position: Position{Line: 0, Column: 1}, Text: "-", UserID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, "a-\x80b", next)
}

func TestEndPosition(t *testing.T) {
	assert.Equal(t, Position{0, 0}, EndPosition(""))
	assert.Equal(t, Position{1, 3}, EndPosition("ab\ncde"))
	assert.Equal(t, Position{2, 0}, EndPosition("a\nb\n"))
}

func TestPosition_Before(t *testing.T) {
	assert.True(t, Position{0, 1}.Before(Position{0, 2}))
	assert.True(t, Position{0, 9}.Before(Position{1, 0}))
	assert.False(t, Position{1, 0}.Before(Position{1, 0}))
}
