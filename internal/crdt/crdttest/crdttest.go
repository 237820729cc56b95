// Package crdttest provides an order-insensitive crdt.Document that accepts
// arbitrary update bytes, for tests that do not care about automerge encoding.
package crdttest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"slices"

	"github.com/npezzotti/go-collab/internal/crdt"
)

// Document merges updates as a set. Save encodes the set in sorted order, so
// any interleaving of the same updates serializes identically.
type Document struct {
	updates map[string][]byte
	pending [][]byte
}

func New() *Document {
	return &Document{updates: make(map[string][]byte)}
}

// Load is a crdt.Loader.
func Load(state []byte) (crdt.Document, error) {
	d := New()
	for len(state) > 0 {
		n, k := binary.Uvarint(state)
		if k <= 0 || uint64(len(state)-k) < n {
			return nil, errors.New("crdttest: corrupt state")
		}
		u := state[k : k+int(n)]
		d.updates[string(u)] = slices.Clone(u)
		state = state[k+int(n):]
	}
	return d, nil
}

func (d *Document) ApplyUpdate(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, crdt.ErrInvalidUpdate
	}
	if _, ok := d.updates[string(update)]; ok {
		return false, nil
	}
	d.updates[string(update)] = slices.Clone(update)
	return true, nil
}

// Edit records a local change.
func (d *Document) Edit(update []byte) {
	if changed, _ := d.ApplyUpdate(update); changed {
		d.pending = append(d.pending, slices.Clone(update))
	}
}

func (d *Document) LocalUpdates() []byte {
	out := encode(d.pending)
	d.pending = nil
	return out
}

func (d *Document) Save() []byte {
	all := make([][]byte, 0, len(d.updates))
	for _, u := range d.updates {
		all = append(all, u)
	}
	slices.SortFunc(all, bytes.Compare)
	return encode(all)
}

func (d *Document) Heads() []string {
	heads := make([]string, 0, len(d.updates))
	for k := range d.updates {
		heads = append(heads, hex.EncodeToString([]byte(k)))
	}
	slices.Sort(heads)
	return heads
}

// Contains reports whether the serialized state includes update.
func Contains(state, update []byte) bool {
	d, err := Load(state)
	if err != nil {
		return false
	}
	_, ok := d.(*Document).updates[string(update)]
	return ok
}

func encode(updates [][]byte) []byte {
	var buf []byte
	for _, u := range updates {
		buf = binary.AppendUvarint(buf, uint64(len(u)))
		buf = append(buf, u...)
	}
	return buf
}
