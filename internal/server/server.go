package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/crdt"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

type Options struct {
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	BroadcastPolicy   BroadcastPolicy
	// Loader builds documents from stored state. Defaults to Automerge.
	Loader crdt.Loader
}

func DefaultOptions() Options {
	return Options{
		FlushInterval:     5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    1 << 20,
		BroadcastPolicy:   BroadcastConnection,
		Loader:            crdt.LoadAutomerge,
	}
}

func (o Options) validate() error {
	if o.FlushInterval <= 0 {
		return errors.New("flush interval must be positive")
	}
	if o.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if o.WriteWait <= 0 {
		return errors.New("write wait must be positive")
	}
	if o.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if _, err := ParseBroadcastPolicy(string(o.BroadcastPolicy)); err != nil {
		return err
	}
	return nil
}

// CollabServer owns every live connection, the document rooms and chat
// groups they join, and the background flush and heartbeat loops.
type CollabServer struct {
	log        zerolog.Logger
	repo       database.Repository
	stats      stats.StatsProvider
	opts       Options
	registry   *Registry
	chat       *ChatRelay
	scheduler  *Scheduler
	supervisor *Supervisor

	clientsLock  sync.Mutex
	clients      map[*Client]struct{}
	shuttingDown bool
}

func NewCollabServer(logger zerolog.Logger, repo database.Repository, su stats.StatsProvider, opts Options) (*CollabServer, error) {
	if opts.BroadcastPolicy == "" {
		opts.BroadcastPolicy = BroadcastConnection
	}
	if opts.Loader == nil {
		opts.Loader = crdt.LoadAutomerge
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	for _, name := range stats.Names {
		su.RegisterMetric(name)
	}

	cs := &CollabServer{
		log:     logger,
		repo:    repo,
		stats:   su,
		opts:    opts,
		clients: make(map[*Client]struct{}),
	}
	cs.registry = NewRegistry(logger, repo, opts.Loader, su, opts.BroadcastPolicy)
	cs.chat = NewChatRelay(logger, repo, su)
	cs.scheduler = NewScheduler(cs.registry, opts.FlushInterval, logger)
	cs.supervisor = NewSupervisor(opts.HeartbeatInterval, cs.clientList, su, logger)

	return cs, nil
}

// Start launches the periodic flush and heartbeat loops.
func (cs *CollabServer) Start() {
	cs.log.Info().
		Dur("flush_interval", cs.opts.FlushInterval).
		Dur("heartbeat_interval", cs.opts.HeartbeatInterval).
		Str("broadcast_policy", string(cs.opts.BroadcastPolicy)).
		Msg("starting collaboration server")
	cs.scheduler.Start()
	cs.supervisor.Start()
}

func (cs *CollabServer) Registry() *Registry {
	return cs.registry
}

func (cs *CollabServer) Chat() *ChatRelay {
	return cs.chat
}

// Serve registers conn and runs its read and write pumps. authUserId is the
// identity established during the upgrade, empty if none.
func (cs *CollabServer) Serve(conn *websocket.Conn, authUserId string) (*Client, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate client id: %w", err)
	}

	c := NewClient(id, authUserId, conn, cs, cs.log)
	if !cs.register(c) {
		return nil, errors.New("server is shutting down")
	}

	go c.Write()
	go c.Read()

	return c, nil
}

func (cs *CollabServer) register(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if cs.shuttingDown {
		return false
	}

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.ConnectedClients)
	c.log.Info().Msg("client connected")
	return true
}

func (cs *CollabServer) deregister(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	cs.stats.Decr(stats.ConnectedClients)
}

func (cs *CollabServer) clientList() []*Client {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *CollabServer) ClientCount() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// Shutdown closes every connection, waits for their rooms to be released
// and flushes whatever is still dirty.
func (cs *CollabServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("shutting down collaboration server")
	cs.supervisor.Stop()

	cs.clientsLock.Lock()
	cs.shuttingDown = true
	cs.clientsLock.Unlock()

	for _, c := range cs.clientList() {
		c.stopClient()
	}

	var errs []error
	if err := cs.waitForClients(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for clients: %w", err))
	}
	if err := cs.registry.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for room release: %w", err))
	}

	cs.scheduler.Stop()
	if err := cs.registry.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}

	return errors.Join(errs...)
}

func (cs *CollabServer) waitForClients(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for cs.ClientCount() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			for _, c := range cs.clientList() {
				c.terminate()
			}
			return ctx.Err()
		}
	}
	return nil
}
