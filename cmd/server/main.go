package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-collab/internal/api"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/rs/zerolog"
)

var configFile string

func main() {
	flag.StringVar(&configFile, "config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)

	repo, err := openRepository(context.Background(), cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("open repository")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("close repository")
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	collabServer, err := server.NewCollabServer(log, repo, statsUpdater, server.Options{
		FlushInterval:     cfg.Collab.FlushInterval,
		HeartbeatInterval: cfg.Collab.HeartbeatInterval,
		WriteWait:         cfg.Collab.WriteWait,
		MaxMessageSize:    cfg.Collab.MaxMessageSize,
		BroadcastPolicy:   server.BroadcastPolicy(cfg.Collab.BroadcastPolicy),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("new collab server")
	}

	srv := api.NewCollabApp(mux, log, collabServer, repo, cfg)

	collabServer.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server")
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := collabServer.Shutdown(shutDownCtx); err != nil {
		log.Error().Err(err).Msg("collab server shutdown")
	}

	log.Info().Msg("shutdown complete")
}

// openRepository connects the configured storage backend.
func openRepository(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (database.Repository, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return openPostgres(cfg, log)
	case config.BackendSQLite:
		return database.NewSQLiteRepository(cfg.DSN)
	case config.BackendRedis:
		msgs, err := openPostgres(cfg, log)
		if err != nil {
			return nil, err
		}
		docs, err := database.NewRedisDocumentStore(ctx, database.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			msgs.Close()
			return nil, err
		}
		return database.NewSplitRepository(docs, msgs), nil
	case config.BackendMemory:
		log.Warn().Msg("using in-memory storage, documents are not persisted across restarts")
		return database.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openPostgres(cfg config.StorageConfig, log zerolog.Logger) (*database.SQLRepository, error) {
	repo, err := database.NewPgRepository(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("database schema up to date")
	}

	return repo, nil
}
