package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Collab/internal/adapters/http"
	"github.com/dkeye/Collab/internal/app/orch"
	"github.com/dkeye/Collab/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	deps, err := wire(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}

	o := orch.New(orch.Options{
		Auth:         deps.auth,
		Store:        deps.store,
		Policy:       deps.policy,
		Activity:     deps.activity,
		Presence:     deps.presence,
		QueueSize:    cfg.OutboundQueue,
		StoreTimeout: cfg.Store.Timeout,
		MaxInflight:  cfg.Store.MaxInflight,
		Rooms:        deps.rooms,
	})

	// connCtx parents every websocket; cancelling it tears live sessions down.
	connCtx, closeConns := context.WithCancel(context.Background())
	defer closeConns()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(connCtx, cfg, o),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Collab server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		err := srv.Shutdown(shutdownCtx)
		closeConns()
		if werr := o.Wait(shutdownCtx); werr != nil {
			log.Warn().Err(werr).Msg("assessment updates still in flight")
		}
		deps.close(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg *config.Config) {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
