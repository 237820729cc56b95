// Package crdt adapts a conflict-free replicated document to the collaboration
// server. The server never interprets update bytes; it only applies them to a
// document and serializes the merged state.
package crdt

import "errors"

var ErrInvalidUpdate = errors.New("invalid update")

// Document is one replica of a shared document. Implementations need not be
// safe for concurrent use; callers serialize access.
type Document interface {
	// ApplyUpdate merges an externally produced update. changed is false when
	// the update was already contained in the document.
	ApplyUpdate(update []byte) (changed bool, err error)
	// LocalUpdates returns the changes made since the previous call.
	LocalUpdates() []byte
	// Save serializes the entire document.
	Save() []byte
	// Heads identifies the current version.
	Heads() []string
}

// Loader builds a document from serialized state. An empty state yields an
// empty document.
type Loader func(state []byte) (Document, error)
