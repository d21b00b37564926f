package crdt

import (
	"maps"

	"github.com/google/uuid"
)

// VersionVector maps an author to the version of the last operation of that
// author incorporated by a replica. A missing entry reads as zero.
type VersionVector map[uuid.UUID]uint64

// Get returns the entry for author, zero if absent.
func (vv VersionVector) Get(author uuid.UUID) uint64 {
	return vv[author]
}

// Covers reports whether every operation of author up to version has been
// incorporated.
func (vv VersionVector) Covers(author uuid.UUID, version uint64) bool {
	return vv[author] >= version
}

// Merge raises each entry of vv to the maximum of vv and other. Entries never
// decrease.
func (vv VersionVector) Merge(other VersionVector) {
	for author, v := range other {
		if v > vv[author] {
			vv[author] = v
		}
	}
}

// Clone returns an independent copy.
func (vv VersionVector) Clone() VersionVector {
	if vv == nil {
		return VersionVector{}
	}
	return maps.Clone(vv)
}

// Equal reports whether both vectors hold the same non-zero entries.
func (vv VersionVector) Equal(other VersionVector) bool {
	for author, v := range vv {
		if other[author] != v {
			return false
		}
	}
	for author, v := range other {
		if vv[author] != v {
			return false
		}
	}
	return true
}
