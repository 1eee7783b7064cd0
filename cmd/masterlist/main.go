// main is the entry point of the Masterlist service.
// It wires configuration, storage, the reconciler and the HTTP server, or runs
// a maintenance task and exits.
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

	"github.com/flowchartsman/retry"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/fake"
	"github.com/woozymasta/masterlist/internal/geoip"
	"github.com/woozymasta/masterlist/internal/logger"
	"github.com/woozymasta/masterlist/internal/maintenance"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/queue"
	"github.com/woozymasta/masterlist/internal/reconciler"
	"github.com/woozymasta/masterlist/internal/server"
	"github.com/woozymasta/masterlist/internal/snapshot"
	"github.com/woozymasta/masterlist/internal/storage"
	"github.com/woozymasta/masterlist/internal/vars"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Str("version", vars.Version).Msg("Starting masterlist service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	if code := runTasks(ctx, cfg, store); code >= 0 {
		stop()
		_ = store.Close()
		os.Exit(code)
	}

	geo := openGeoIP(ctx, cfg.GeoIP)
	defer func() {
		if err := geo.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing GeoIP provider")
		}
	}()

	m := metrics.New()
	queues := queue.NewSet(cfg.Registry.QueueLimit)
	publisher := snapshot.NewPublisher(store)
	engine := reconciler.New(store, publisher, queues, cfg.Registry, reconciler.WithMetrics(m))

	srv := server.New(store, queues, publisher, engine, geo, m, cfg)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Run(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The engine outlives the HTTP server so accepted submissions are applied
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(engineCtx)
	})
	g.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		stopEngine()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Service stopped with error")
	}

	// Apply whatever was accepted after the last tick
	rep := engine.Tick(context.Background())
	log.Info().
		Int("registered", rep.Registered).
		Int("checked_in", rep.CheckedIn).
		Int("deregistered", rep.Deregistered).
		Msg("Final tick applied")

	if n := queues.Close(); n > 0 {
		log.Warn().Int("items", n).Msg("Queued items discarded at exit")
	}

	log.Info().Msg("Server exited")
}

// openStore opens the database, retrying while it is busy or its volume is not mounted yet.
func openStore(ctx context.Context, path string) (*storage.Repository, error) {
	var store *storage.Repository

	retrier := retry.NewRetrier(5, 200*time.Millisecond, 5*time.Second)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		s, err := storage.New(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Database not ready, retrying")
			return err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return err
		}

		store = s
		return nil
	})

	return store, err
}

// openGeoIP refreshes and opens the country database. Failures disable country detection.
func openGeoIP(ctx context.Context, cfg config.GeoIP) *geoip.Provider {
	if cfg.Path == "" {
		log.Info().Msg("GeoIP disabled")
		return nil
	}

	log.Info().Msg("Checking GeoIP database...")
	if err := geoip.EnsureDB(ctx, cfg.Path, cfg.URL, cfg.Interval); err != nil {
		log.Error().Err(err).Msg("Failed to download GeoIP database")
	}

	geo, err := geoip.Open(cfg.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
		return nil
	}

	return geo
}

// runTasks runs data generation or maintenance. It returns the exit code,
// or -1 when no task was requested and the service should start.
func runTasks(ctx context.Context, cfg *config.Config, store *storage.Repository) int {
	if cfg.Storage.GenerateCount > 0 {
		if _, err := fake.GenerateData(ctx, store, cfg.Storage.GenerateCount); err != nil {
			log.Error().Err(err).Msg("Failed to generate fake data")
			return 1
		}
		return 0
	}

	ran, err := maintenance.Run(ctx, cfg, store)
	if err != nil {
		log.Error().Err(err).Msg("Maintenance task failed")
		return 1
	}
	if ran {
		return 0
	}

	return -1
}
