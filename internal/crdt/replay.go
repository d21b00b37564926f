package crdt

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"collabtext/internal/collab"
)

// Ordered returns every stored entry in replay order: by version, then by
// author id. The order depends only on the set of stored entries, never on
// the order in which they arrived.
func (d *Document) Ordered() []Operation {
	out := make([]Operation, 0, d.Len())
	for _, log := range d.Content {
		out = append(out, log...)
	}
	SortReplay(out)
	return out
}

// SortReplay sorts ops in place into replay order.
func SortReplay(ops []Operation) {
	slices.SortFunc(ops, func(a, b Operation) int {
		if c := cmp.Compare(a.Version, b.Version); c != 0 {
			return c
		}
		aa, ba := a.Author(), b.Author()
		if c := bytes.Compare(aa[:], ba[:]); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
}

// Materialize replays Ordered on top of base. Entries whose positions no
// longer resolve at their turn in the replay are skipped; one error per
// skipped entry is returned alongside the text.
func (d *Document) Materialize(base string) (string, []error) {
	content := base
	var skipped []error
	for _, e := range d.Ordered() {
		next, err := collab.Apply(content, e.Op.Operation)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %s (author %s, version %d): %w",
				e.ID, e.Author(), e.Version, err))
			continue
		}
		content = next
	}
	return content, skipped
}
