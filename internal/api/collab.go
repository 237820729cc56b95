package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/rs/zerolog"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CollabApp struct {
	log            zerolog.Logger
	store          Pinger
	srv            *http.Server
	cs             *server.CollabServer
	signingKey     []byte
	allowedOrigins []string
}

// NewCollabApp registers the websocket and health routes on mux. Stats are
// expected to be registered on the same mux by the caller.
func NewCollabApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.CollabServer, store Pinger, cfg *config.Config) *CollabApp {
	s := &CollabApp{
		log:            logger,
		store:          store,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *CollabApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *CollabApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting HTTP server")
	return s.srv.ListenAndServe()
}

func (s *CollabApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
