package server

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/npezzotti/go-collab/internal/crdt/crdttest"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/testutil"
	"github.com/stretchr/testify/require"
)

var clientSeq atomic.Int64

// newTestCollabServer builds a server over repo with the set-based test
// document, not started.
func newTestCollabServer(t *testing.T, repo database.Repository, modify ...func(*Options)) (*CollabServer, *stats.StatsUpdater) {
	t.Helper()

	opts := DefaultOptions()
	opts.Loader = crdttest.Load
	for _, m := range modify {
		m(&opts)
	}

	su := stats.NewStatsUpdater(nil)
	cs, err := NewCollabServer(testutil.TestLogger(t), repo, su, opts)
	require.NoError(t, err, "expected no error creating server")
	return cs, su
}

// newTestClient returns a registered client without a socket. Frames queued
// for it stay in its send channel.
func newTestClient(t *testing.T, cs *CollabServer, authUserId string) *Client {
	t.Helper()

	id := fmt.Sprintf("client-%d", clientSeq.Add(1))
	c := NewClient(id, authUserId, nil, cs, testutil.TestLogger(t))
	require.True(t, cs.register(c), "expected client to register")
	return c
}

type testFrame struct {
	Type     string          `json:"type"`
	Update   Bytes           `json:"update"`
	Sender   string          `json:"sender"`
	UserId   string          `json:"userId"`
	Id       string          `json:"id"`
	Messages []ChatMessage   `json:"messages"`
	Message  json.RawMessage `json:"message"`
}

func (f testFrame) errorMessage() string {
	var s string
	json.Unmarshal(f.Message, &s)
	return s
}

func (f testFrame) chatMessage() ChatMessage {
	var m ChatMessage
	json.Unmarshal(f.Message, &m)
	return m
}

// drain returns every frame queued for c so far.
func drain(t *testing.T, c *Client) []testFrame {
	t.Helper()

	var out []testFrame
	for {
		select {
		case raw := <-c.send:
			var f testFrame
			require.NoError(t, json.Unmarshal(raw, &f), "expected valid frame json: %s", raw)
			out = append(out, f)
		default:
			return out
		}
	}
}

func dispatchJSON(t *testing.T, c *Client, v any) {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.dispatch(raw)
}

func joinFrame(userId, documentId string) map[string]any {
	return map[string]any{"type": TypeJoin, "userId": userId, "documentId": documentId}
}

func joinChatFrame(userId, documentId string) map[string]any {
	return map[string]any{"type": TypeJoinChat, "userId": userId, "documentId": documentId}
}

func updateFrame(update ...int) map[string]any {
	return map[string]any{"type": TypeUpdate, "updates": update}
}
