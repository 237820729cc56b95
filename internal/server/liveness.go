package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/rs/zerolog"
)

// Supervisor pings every connection each interval and terminates those that
// did not answer the previous ping.
type Supervisor struct {
	interval time.Duration
	clients  func() []*Client
	stats    stats.StatsProvider
	log      zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	started  atomic.Bool
}

func NewSupervisor(interval time.Duration, clients func() []*Client, su stats.StatsProvider, l zerolog.Logger) *Supervisor {
	return &Supervisor{
		interval: interval,
		clients:  clients,
		stats:    su,
		log:      l.With().Str(logger.FieldComponent, "supervisor").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Supervisor) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

func (s *Supervisor) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) sweep() {
	for _, c := range s.clients() {
		ping, evict := c.session.heartbeat()
		switch {
		case evict:
			c.log.Info().Msg("no heartbeat response, terminating connection")
			s.stats.Incr(stats.Evictions)
			c.terminate()
		case ping:
			c.ping()
		}
	}
}

func (s *Supervisor) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}
