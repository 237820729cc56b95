package crdt

import (
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"
)

type AutomergeDocument struct {
	doc *automerge.Doc
}

func NewAutomergeDocument() *AutomergeDocument {
	return &AutomergeDocument{doc: automerge.New()}
}

// LoadAutomerge is a Loader backed by automerge.
func LoadAutomerge(state []byte) (Document, error) {
	if len(state) == 0 {
		return NewAutomergeDocument(), nil
	}

	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("automerge load: %w", err)
	}

	return &AutomergeDocument{doc: doc}, nil
}

// ApplyUpdate merges update into the document. LoadIncremental skips bytes it
// cannot parse once the document has changes, so the update is first loaded
// strictly on top of a copy of the current state. An update whose
// dependencies the document does not have is rejected.
func (d *AutomergeDocument) ApplyUpdate(update []byte) (bool, error) {
	if _, err := automerge.Load(append(d.doc.Save(), update...)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	before := d.Heads()
	if err := d.doc.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	return !slices.Equal(before, d.Heads()), nil
}

func (d *AutomergeDocument) LocalUpdates() []byte {
	return d.doc.SaveIncremental()
}

// Save returns nil for a document without changes, so a never-edited
// document syncs as empty state.
func (d *AutomergeDocument) Save() []byte {
	if len(d.doc.Heads()) == 0 {
		return nil
	}
	return d.doc.Save()
}

func (d *AutomergeDocument) Heads() []string {
	heads := d.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	slices.Sort(out)
	return out
}

// Doc exposes the underlying automerge document for local edits.
func (d *AutomergeDocument) Doc() *automerge.Doc {
	return d.doc
}
