// Package collab holds the collaborative document core: the position and
// operation model, the document engine that owns the materialized text of one
// editing session, presence tracking, and the domain events emitted after a
// mutation commits.
//
// A Document is not safe for concurrent use. Callers serialize access per
// document (see package session).
package collab
