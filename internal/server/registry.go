package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-collab/internal/crdt"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/rs/zerolog"
)

const storeTimeout = 10 * time.Second

var ErrRoomNotFound = errors.New("room not found")

// Room is the live state of one document: the replica every member edits
// and the set of connections subscribed to it.
type Room struct {
	id      string
	mu      sync.Mutex
	doc     crdt.Document
	members map[*Client]struct{}
	dirty   bool
	version uint64
	// released is set once the room has been removed from the registry.
	released bool

	// ready is closed when loading finishes; loadErr is valid after that.
	ready   chan struct{}
	loadErr error

	flushMu sync.Mutex
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[*Client]struct{}),
		ready:   make(chan struct{}),
	}
}

func (r *Room) isReady() bool {
	select {
	case <-r.ready:
		return r.loadErr == nil
	default:
		return false
	}
}

// Registry owns the rooms of all documents that currently have members.
// Rooms are loaded from the document store on first join and flushed and
// dropped after the last member leaves. Lock order is registry then room.
type Registry struct {
	log    zerolog.Logger
	store  database.DocumentStore
	load   crdt.Loader
	stats  stats.StatsProvider
	policy BroadcastPolicy

	mu    sync.Mutex
	rooms map[string]*Room

	wg sync.WaitGroup
}

func NewRegistry(l zerolog.Logger, store database.DocumentStore, load crdt.Loader, su stats.StatsProvider, policy BroadcastPolicy) *Registry {
	return &Registry{
		log:    l.With().Str(logger.FieldComponent, "registry").Logger(),
		store:  store,
		load:   load,
		stats:  su,
		policy: policy,
		rooms:  make(map[string]*Room),
	}
}

// Join subscribes c to documentId and returns the full serialized state the
// client should sync from. The room is loaded from the store if it is not
// already live.
func (r *Registry) Join(ctx context.Context, documentId string, c *Client) ([]byte, error) {
	for {
		r.mu.Lock()
		room, ok := r.rooms[documentId]
		if !ok {
			room = newRoom(documentId)
			r.rooms[documentId] = room
		}
		r.mu.Unlock()

		if !ok {
			r.loadRoom(ctx, room)
		}

		select {
		case <-room.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if room.loadErr != nil {
			return nil, room.loadErr
		}

		room.mu.Lock()
		if room.released {
			// torn down between lookup and lock
			room.mu.Unlock()
			continue
		}
		room.members[c] = struct{}{}
		state := room.doc.Save()
		room.mu.Unlock()

		r.log.Debug().
			Str(logger.FieldDocumentID, documentId).
			Str(logger.FieldClientID, c.session.Id()).
			Msg("client joined room")
		return state, nil
	}
}

// loadRoom fills in room from the store. A missing record yields an empty
// document. Any other failure removes the room so that a later join retries,
// and no empty replica is ever flushed over persisted state.
func (r *Registry) loadRoom(ctx context.Context, room *Room) {
	defer close(room.ready)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	doc, err := r.readDocument(ctx, room.id)
	if err != nil {
		r.log.Error().Err(err).Str(logger.FieldDocumentID, room.id).Msg("failed to load document")
		room.loadErr = err

		r.mu.Lock()
		if r.rooms[room.id] == room {
			delete(r.rooms, room.id)
		}
		r.mu.Unlock()
		return
	}

	room.doc = doc
	r.stats.Incr(stats.ActiveRooms)
	r.log.Info().Str(logger.FieldDocumentID, room.id).Msg("room loaded")
}

func (r *Registry) readDocument(ctx context.Context, documentId string) (crdt.Document, error) {
	var state []byte
	rec, err := r.store.GetDocumentState(ctx, documentId)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read document %q: %w", documentId, err)
	default:
		state = rec.State
	}

	doc, err := r.load(state)
	if err != nil {
		return nil, fmt.Errorf("decode document %q: %w", documentId, err)
	}
	return doc, nil
}

// Leave unsubscribes c. When the room becomes empty it is flushed and
// released in the background.
func (r *Registry) Leave(documentId string, c *Client) {
	room := r.get(documentId)
	if room == nil {
		return
	}

	room.mu.Lock()
	if _, ok := room.members[c]; !ok {
		room.mu.Unlock()
		return
	}
	delete(room.members, c)
	empty := len(room.members) == 0
	room.mu.Unlock()

	r.log.Debug().
		Str(logger.FieldDocumentID, documentId).
		Str(logger.FieldClientID, c.session.Id()).
		Msg("client left room")

	if empty {
		r.wg.Add(1)
		go r.release(room)
	}
}

// release persists an empty room and drops it unless a member rejoined in
// the meantime.
func (r *Registry) release(room *Room) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	flushErr := r.flush(ctx, room)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room.id] != room {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) > 0 {
		return
	}
	if room.dirty && flushErr == nil {
		// a member joined, edited and left after the flush; the release
		// started by that leave persists the newer state
		return
	}
	if room.dirty {
		r.log.Error().Err(flushErr).
			Str(logger.FieldDocumentID, room.id).
			Msg("releasing room with unsaved changes, edits since last flush are lost")
	}

	room.released = true
	delete(r.rooms, room.id)
	r.stats.Decr(stats.ActiveRooms)
	r.log.Info().Str(logger.FieldDocumentID, room.id).Msg("room released")
}

// ApplyUpdate merges update into the document c has joined. changed reports
// whether the update contained anything new.
func (r *Registry) ApplyUpdate(documentId string, c *Client, update []byte) (bool, error) {
	room := r.get(documentId)
	if room == nil || !room.isReady() {
		return false, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if _, ok := room.members[c]; !ok || room.released {
		return false, ErrRoomNotFound
	}

	changed, err := room.doc.ApplyUpdate(update)
	if err != nil {
		return false, err
	}
	if changed {
		room.dirty = true
		room.version++
		r.stats.Incr(stats.UpdatesApplied)
	}
	return changed, nil
}

// Broadcast queues frame on the members of documentId, skipping those the
// broadcast policy excludes for sender. sender may be nil.
func (r *Registry) Broadcast(documentId string, frame []byte, sender *Client) int {
	room := r.get(documentId)
	if room == nil {
		return 0
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return fanout(room.members, frame, sender, r.policy)
}

// State returns the serialized document, or false if the room is not live.
func (r *Registry) State(documentId string) ([]byte, bool) {
	room := r.get(documentId)
	if room == nil || !room.isReady() {
		return nil, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return room.doc.Save(), true
}

func (r *Registry) Has(documentId string) bool {
	return r.get(documentId) != nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) MemberCount(documentId string) int {
	room := r.get(documentId)
	if room == nil {
		return 0
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.members)
}

// Wait blocks until pending room releases finish or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) get(documentId string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentId]
}

// snapshot returns the rooms that finished loading.
func (r *Registry) snapshot() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.isReady() {
			rooms = append(rooms, room)
		}
	}
	return rooms
}
