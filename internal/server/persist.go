package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/rs/zerolog"
)

// flush writes the room's state if it changed since the last successful
// flush. The state is captured under the room lock and written outside it;
// the dirty flag is cleared only if no update arrived during the write.
func (r *Registry) flush(ctx context.Context, room *Room) error {
	room.flushMu.Lock()
	defer room.flushMu.Unlock()

	room.mu.Lock()
	if !room.dirty || room.doc == nil {
		room.mu.Unlock()
		return nil
	}
	state := room.doc.Save()
	version := room.version
	room.mu.Unlock()

	if err := r.store.SaveDocumentState(ctx, room.id, state); err != nil {
		r.stats.Incr(stats.FlushFailures)
		return fmt.Errorf("save document %q: %w", room.id, err)
	}

	room.mu.Lock()
	if room.version == version {
		room.dirty = false
	}
	room.mu.Unlock()

	r.stats.Incr(stats.Flushes)
	r.log.Debug().
		Str(logger.FieldDocumentID, room.id).
		Int(logger.FieldBytes, len(state)).
		Msg("document flushed")
	return nil
}

// FlushDirty persists every live room with unsaved changes. A failing room
// stays dirty and is retried on the next call.
func (r *Registry) FlushDirty(ctx context.Context) (int, error) {
	var (
		flushed int
		errs    []error
	)
	for _, room := range r.snapshot() {
		room.mu.Lock()
		dirty := room.dirty
		room.mu.Unlock()
		if !dirty {
			continue
		}

		if err := r.flush(ctx, room); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}
	return flushed, errors.Join(errs...)
}

// FlushAll is FlushDirty for shutdown: it returns only the error.
func (r *Registry) FlushAll(ctx context.Context) error {
	_, err := r.FlushDirty(ctx)
	return err
}

// Scheduler flushes dirty rooms on a fixed interval.
type Scheduler struct {
	registry *Registry
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	started  atomic.Bool
}

func NewScheduler(r *Registry, interval time.Duration, l zerolog.Logger) *Scheduler {
	return &Scheduler{
		registry: r,
		interval: interval,
		log:      l.With().Str(logger.FieldComponent, "scheduler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	n, err := s.registry.FlushDirty(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("periodic flush failed")
	}
	if n > 0 {
		s.log.Debug().Int("rooms", n).Msg("periodic flush")
	}
}

// Stop halts the ticker and waits for an in-flight flush to finish. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}
