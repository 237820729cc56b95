package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-collab/internal/crdt"
	"github.com/npezzotti/go-collab/internal/crdt/crdttest"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func savedState(updates ...string) []byte {
	d := crdttest.New()
	for _, u := range updates {
		d.Edit([]byte(u))
	}
	return d.Save()
}

func waitReleased(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx), "expected room release to finish")
}

func TestRegistry_JoinEmptyDocument(t *testing.T) {
	repo := database.NewMemoryRepository()
	cs, su := newTestCollabServer(t, repo)
	c := newTestClient(t, cs, "")

	state, err := cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)
	assert.Empty(t, state, "expected empty document state")
	assert.True(t, cs.registry.Has("doc1"))
	assert.Equal(t, 1, cs.registry.MemberCount("doc1"))
	assert.Equal(t, int64(1), su.Value(stats.ActiveRooms))
}

func TestRegistry_JoinPersistedDocument(t *testing.T) {
	repo := database.NewMemoryRepository()
	require.NoError(t, repo.SaveDocumentState(context.Background(), "doc1", savedState("a", "b")))

	cs, _ := newTestCollabServer(t, repo)
	c := newTestClient(t, cs, "")

	state, err := cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)
	assert.Equal(t, savedState("a", "b"), state, "expected sync to equal the persisted state")
}

func TestRegistry_JoinLoadFailure(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetDocumentState", mock.Anything, "doc1").
			Return(database.DocumentState{}, errors.New("connection refused")).Once()

		cs, su := newTestCollabServer(t, repo)
		c := newTestClient(t, cs, "")

		_, err := cs.registry.Join(context.Background(), "doc1", c)
		assert.Error(t, err)
		assert.False(t, cs.registry.Has("doc1"), "expected failed room to be removed")
		assert.Zero(t, su.Value(stats.ActiveRooms))
	})

	t.Run("corrupt state", func(t *testing.T) {
		repo := database.NewMemoryRepository()
		require.NoError(t, repo.SaveDocumentState(context.Background(), "doc1", []byte{0xff}))

		cs, _ := newTestCollabServer(t, repo)
		c := newTestClient(t, cs, "")

		_, err := cs.registry.Join(context.Background(), "doc1", c)
		assert.Error(t, err)
		assert.False(t, cs.registry.Has("doc1"))

		rec, err := repo.GetDocumentState(context.Background(), "doc1")
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff}, rec.State, "expected stored state to be left untouched")
	})

	t.Run("retry after failure", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetDocumentState", mock.Anything, "doc1").
			Return(database.DocumentState{}, errors.New("timeout")).Once()
		repo.On("GetDocumentState", mock.Anything, "doc1").
			Return(database.DocumentState{}, database.ErrNotFound).Once()

		cs, _ := newTestCollabServer(t, repo)
		c := newTestClient(t, cs, "")

		_, err := cs.registry.Join(context.Background(), "doc1", c)
		require.Error(t, err)

		_, err = cs.registry.Join(context.Background(), "doc1", c)
		assert.NoError(t, err, "expected second join to load the document")
	})
}

func TestRegistry_ConcurrentJoinLoadsOnce(t *testing.T) {
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetDocumentState", mock.Anything, "doc1").
		After(20*time.Millisecond).
		Return(database.DocumentState{State: savedState("x")}, nil).Once()

	cs, _ := newTestCollabServer(t, repo)

	var wg sync.WaitGroup
	for range 10 {
		c := newTestClient(t, cs, "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := cs.registry.Join(context.Background(), "doc1", c)
			assert.NoError(t, err)
			assert.Equal(t, savedState("x"), state)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, cs.registry.MemberCount("doc1"))
}

func TestRegistry_ApplyUpdate(t *testing.T) {
	cs, su := newTestCollabServer(t, database.NewMemoryRepository())
	c := newTestClient(t, cs, "")
	outsider := newTestClient(t, cs, "")

	_, err := cs.registry.ApplyUpdate("doc1", c, []byte{1})
	assert.ErrorIs(t, err, ErrRoomNotFound, "expected update before join to fail")

	_, err = cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)

	changed, err := cs.registry.ApplyUpdate("doc1", c, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = cs.registry.ApplyUpdate("doc1", c, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, changed, "expected duplicate update to be a no-op")

	_, err = cs.registry.ApplyUpdate("doc1", c, nil)
	assert.ErrorIs(t, err, crdt.ErrInvalidUpdate)

	_, err = cs.registry.ApplyUpdate("doc1", outsider, []byte{9})
	assert.ErrorIs(t, err, ErrRoomNotFound, "expected non-member update to fail")

	assert.Equal(t, int64(1), su.Value(stats.UpdatesApplied))

	state, ok := cs.registry.State("doc1")
	require.True(t, ok)
	assert.True(t, crdttest.Contains(state, []byte{1, 2, 3}))
}

func TestRegistry_LeaveReleasesRoom(t *testing.T) {
	repo := database.NewMemoryRepository()
	cs, su := newTestCollabServer(t, repo)
	a := newTestClient(t, cs, "")
	b := newTestClient(t, cs, "")

	for _, c := range []*Client{a, b} {
		_, err := cs.registry.Join(context.Background(), "doc1", c)
		require.NoError(t, err)
	}
	_, err := cs.registry.ApplyUpdate("doc1", a, []byte("edit"))
	require.NoError(t, err)

	cs.registry.Leave("doc1", a)
	waitReleased(t, cs.registry)
	assert.True(t, cs.registry.Has("doc1"), "expected room to stay while a member remains")

	cs.registry.Leave("doc1", b)
	waitReleased(t, cs.registry)
	assert.False(t, cs.registry.Has("doc1"), "expected room to be released after last leave")
	assert.Zero(t, su.Value(stats.ActiveRooms))
	assert.Equal(t, int64(1), su.Value(stats.Flushes))

	rec, err := repo.GetDocumentState(context.Background(), "doc1")
	require.NoError(t, err)
	assert.True(t, crdttest.Contains(rec.State, []byte("edit")), "expected release to persist the edit")

	// rejoining loads what was flushed
	state, err := cs.registry.Join(context.Background(), "doc1", a)
	require.NoError(t, err)
	assert.Equal(t, rec.State, state)
}

func TestRegistry_LeaveUnknown(t *testing.T) {
	cs, _ := newTestCollabServer(t, database.NewMemoryRepository())
	c := newTestClient(t, cs, "")

	cs.registry.Leave("missing", c)
	waitReleased(t, cs.registry)
	assert.Zero(t, cs.registry.Len())
}

func TestRegistry_ReleaseWithFailedFlush(t *testing.T) {
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetDocumentState", mock.Anything, "doc1").
		Return(database.DocumentState{}, database.ErrNotFound).Once()
	repo.On("SaveDocumentState", mock.Anything, "doc1", mock.Anything).
		Return(errors.New("disk full")).Once()

	cs, su := newTestCollabServer(t, repo)
	c := newTestClient(t, cs, "")

	_, err := cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)
	_, err = cs.registry.ApplyUpdate("doc1", c, []byte("edit"))
	require.NoError(t, err)

	cs.registry.Leave("doc1", c)
	waitReleased(t, cs.registry)

	assert.False(t, cs.registry.Has("doc1"), "expected teardown to proceed after failed flush")
	assert.Equal(t, int64(1), su.Value(stats.FlushFailures))
}

func TestRegistry_CleanRoomReleaseSkipsWrite(t *testing.T) {
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetDocumentState", mock.Anything, "doc1").
		Return(database.DocumentState{}, database.ErrNotFound).Once()

	cs, _ := newTestCollabServer(t, repo)
	c := newTestClient(t, cs, "")

	_, err := cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)

	cs.registry.Leave("doc1", c)
	waitReleased(t, cs.registry)

	assert.False(t, cs.registry.Has("doc1"))
	repo.AssertNotCalled(t, "SaveDocumentState", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegistry_FlushDirty(t *testing.T) {
	repo := database.NewMemoryRepository()
	cs, su := newTestCollabServer(t, repo)
	c1 := newTestClient(t, cs, "")
	c2 := newTestClient(t, cs, "")

	_, err := cs.registry.Join(context.Background(), "doc1", c1)
	require.NoError(t, err)
	_, err = cs.registry.Join(context.Background(), "doc2", c2)
	require.NoError(t, err)

	_, err = cs.registry.ApplyUpdate("doc1", c1, []byte("one"))
	require.NoError(t, err)

	n, err := cs.registry.FlushDirty(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expected only the dirty room to be flushed")

	n, err = cs.registry.FlushDirty(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "expected no flush without new changes")

	_, err = repo.GetDocumentState(context.Background(), "doc2")
	assert.ErrorIs(t, err, database.ErrNotFound, "expected clean room not to be written")
	assert.Equal(t, int64(1), su.Value(stats.Flushes))
}

func TestRegistry_FlushFailureIsRetried(t *testing.T) {
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetDocumentState", mock.Anything, "doc1").
		Return(database.DocumentState{}, database.ErrNotFound).Once()
	repo.On("SaveDocumentState", mock.Anything, "doc1", mock.Anything).
		Return(errors.New("unavailable")).Once()
	repo.On("SaveDocumentState", mock.Anything, "doc1", mock.Anything).
		Return(nil).Once()

	cs, _ := newTestCollabServer(t, repo)
	c := newTestClient(t, cs, "")

	_, err := cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)
	_, err = cs.registry.ApplyUpdate("doc1", c, []byte("edit"))
	require.NoError(t, err)

	_, err = cs.registry.FlushDirty(context.Background())
	assert.Error(t, err)

	n, err := cs.registry.FlushDirty(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expected failed room to be flushed on the next pass")
}

func TestRegistry_UpdateDuringFlushKeepsRoomDirty(t *testing.T) {
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetDocumentState", mock.Anything, "doc1").
		Return(database.DocumentState{}, database.ErrNotFound).Once()

	cs, _ := newTestCollabServer(t, repo)
	c := newTestClient(t, cs, "")

	_, err := cs.registry.Join(context.Background(), "doc1", c)
	require.NoError(t, err)
	_, err = cs.registry.ApplyUpdate("doc1", c, []byte("first"))
	require.NoError(t, err)

	repo.On("SaveDocumentState", mock.Anything, "doc1", mock.Anything).
		Run(func(args mock.Arguments) {
			_, err := cs.registry.ApplyUpdate("doc1", c, []byte("second"))
			assert.NoError(t, err)
		}).
		Return(nil).Once()

	n, err := cs.registry.FlushDirty(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var saved []byte
	repo.On("SaveDocumentState", mock.Anything, "doc1", mock.Anything).
		Run(func(args mock.Arguments) {
			saved = args.Get(2).([]byte)
		}).
		Return(nil).Once()

	n, err = cs.registry.FlushDirty(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expected update applied during the write to be flushed again")
	assert.True(t, crdttest.Contains(saved, []byte("second")))
}

func TestRegistry_RejoinDuringReleaseKeepsRoom(t *testing.T) {
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetDocumentState", mock.Anything, "doc1").
		Return(database.DocumentState{}, database.ErrNotFound).Once()

	writing := make(chan struct{})
	proceed := make(chan struct{})
	repo.On("SaveDocumentState", mock.Anything, "doc1", mock.Anything).
		Run(func(args mock.Arguments) {
			close(writing)
			<-proceed
		}).
		Return(nil).Once()

	cs, su := newTestCollabServer(t, repo)
	a := newTestClient(t, cs, "")
	b := newTestClient(t, cs, "")

	_, err := cs.registry.Join(context.Background(), "doc1", a)
	require.NoError(t, err)
	_, err = cs.registry.ApplyUpdate("doc1", a, []byte("edit"))
	require.NoError(t, err)

	cs.registry.Leave("doc1", a)
	select {
	case <-writing:
	case <-time.After(time.Second):
		t.Fatal("expected release to flush the room")
	}

	state, err := cs.registry.Join(context.Background(), "doc1", b)
	require.NoError(t, err)
	close(proceed)
	waitReleased(t, cs.registry)

	assert.True(t, cs.registry.Has("doc1"), "expected rejoined room to be kept")
	assert.Equal(t, 1, cs.registry.MemberCount("doc1"))
	assert.True(t, crdttest.Contains(state, []byte("edit")), "expected rejoin to sync the live state")
	assert.Equal(t, int64(1), su.Value(stats.ActiveRooms))
}

func TestRegistry_UpdatesCommute(t *testing.T) {
	updates := make([][]byte, 20)
	for i := range updates {
		updates[i] = []byte(fmt.Sprintf("update-%02d", i))
	}

	run := func(t *testing.T, order []int) []byte {
		cs, _ := newTestCollabServer(t, database.NewMemoryRepository())
		clients := make([]*Client, 4)
		for i := range clients {
			clients[i] = newTestClient(t, cs, "")
			_, err := cs.registry.Join(context.Background(), "doc1", clients[i])
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for i, idx := range order {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := cs.registry.ApplyUpdate("doc1", clients[i%len(clients)], updates[idx])
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		state, ok := cs.registry.State("doc1")
		require.True(t, ok)
		return state
	}

	forward := make([]int, len(updates))
	for i := range forward {
		forward[i] = i
	}
	want := run(t, forward)

	for trial := range 5 {
		order := rand.Perm(len(updates))
		// replay some updates to exercise idempotence
		order = append(order, order[:trial+1]...)
		assert.Equal(t, want, run(t, order), "expected identical state for order %v", order)
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	t.Run("connection policy", func(t *testing.T) {
		cs, _ := newTestCollabServer(t, database.NewMemoryRepository())
		a1 := newTestClient(t, cs, "")
		a2 := newTestClient(t, cs, "")
		b := newTestClient(t, cs, "")
		a1.session.joinDocument("alice", "doc1")
		a2.session.joinDocument("alice", "doc1")
		b.session.joinDocument("bob", "doc1")
		for _, c := range []*Client{a1, a2, b} {
			_, err := cs.registry.Join(context.Background(), "doc1", c)
			require.NoError(t, err)
		}

		n := cs.registry.Broadcast("doc1", []byte(`{"type":"update","update":[1]}`), a1)
		assert.Equal(t, 2, n)
		assert.Empty(t, drain(t, a1), "expected sender not to receive its own frame")
		assert.Len(t, drain(t, a2), 1, "expected other tab of the same user to receive the frame")
		assert.Len(t, drain(t, b), 1)
	})

	t.Run("user policy", func(t *testing.T) {
		cs, _ := newTestCollabServer(t, database.NewMemoryRepository(), func(o *Options) {
			o.BroadcastPolicy = BroadcastUser
		})
		a1 := newTestClient(t, cs, "")
		a2 := newTestClient(t, cs, "")
		b := newTestClient(t, cs, "")
		a1.session.joinDocument("alice", "doc1")
		a2.session.joinDocument("alice", "doc1")
		b.session.joinDocument("bob", "doc1")
		for _, c := range []*Client{a1, a2, b} {
			_, err := cs.registry.Join(context.Background(), "doc1", c)
			require.NoError(t, err)
		}

		n := cs.registry.Broadcast("doc1", []byte(`{"type":"update","update":[1]}`), a1)
		assert.Equal(t, 1, n)
		assert.Empty(t, drain(t, a1))
		assert.Empty(t, drain(t, a2), "expected every connection of the sender to be skipped")
		assert.Len(t, drain(t, b), 1)
	})

	t.Run("unknown room", func(t *testing.T) {
		cs, _ := newTestCollabServer(t, database.NewMemoryRepository())
		assert.Zero(t, cs.registry.Broadcast("missing", []byte(`{}`), nil))
	})
}

func TestRegistry_SlowConsumerIsDisconnected(t *testing.T) {
	cs, _ := newTestCollabServer(t, database.NewMemoryRepository())
	sender := newTestClient(t, cs, "")
	slow := newTestClient(t, cs, "")
	for _, c := range []*Client{sender, slow} {
		_, err := cs.registry.Join(context.Background(), "doc1", c)
		require.NoError(t, err)
	}

	for range sendQueueSize {
		slow.send <- []byte(`{}`)
	}

	n := cs.registry.Broadcast("doc1", []byte(`{"type":"update","update":[1]}`), sender)
	assert.Zero(t, n)
	assert.Error(t, slow.ctx.Err(), "expected slow client to be terminated")
}

func TestParseBroadcastPolicy(t *testing.T) {
	p, err := ParseBroadcastPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BroadcastConnection, p)

	p, err = ParseBroadcastPolicy("user")
	require.NoError(t, err)
	assert.Equal(t, BroadcastUser, p)

	_, err = ParseBroadcastPolicy("everyone")
	assert.Error(t, err)
}
