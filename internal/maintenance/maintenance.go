// Package maintenance implements the run-and-exit database tasks.
// They never run concurrently with the reconciler.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/game"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the registry store used by maintenance tasks.
type Store interface {
	PruneInactive(ctx context.Context, before time.Time) (int64, error)
	ActiveServers(ctx context.Context) ([]models.ServerRecord, error)
	CheckinServers(ctx context.Context, servers []models.ServerRecord) ([]storage.Result, error)
	DeactivateServers(ctx context.Context, ids []models.ServerID) ([]storage.Result, error)
}

// Prober queries a game server for its live status.
// A nil status with a nil error means the server is up but reported nothing.
type Prober func(addr models.Address, options config.A2S) (*game.Status, error)

// Probe modes of --db-check-active.
const (
	CheckModeA2S   = "a2s"
	CheckModeReach = "reach"
)

// proberFor picks the probe for a check mode. Servers that do not implement
// A2S never answer it, so they must be checked in reach mode.
func proberFor(mode string) Prober {
	if mode == CheckModeReach {
		return game.Reachable
	}

	return game.QueryServer
}

// CheckReport summarizes a reachability check.
type CheckReport struct {
	Checked     int
	Refreshed   int
	Deactivated int
}

// Run executes the maintenance tasks selected by the configuration.
// It returns false when none was requested and the service should start.
func Run(ctx context.Context, cfg *config.Config, store Store) (bool, error) {
	ran := false

	if cfg.Storage.PruneInactive > 0 {
		ran = true
		log.Info().Dur("older_than", cfg.Storage.PruneInactive).Msg("Pruning inactive servers...")

		deleted, err := Prune(ctx, store, time.Now().Add(-cfg.Storage.PruneInactive))
		if err != nil {
			return ran, err
		}
		log.Info().Int64("deleted", deleted).Msg("Prune finished")
	}

	if cfg.Storage.CheckActive {
		ran = true
		log.Info().
			Int("workers", cfg.A2S.Workers).
			Str("mode", cfg.Storage.CheckMode).
			Msg("Checking active servers...")

		rep, err := CheckActive(ctx, store, proberFor(cfg.Storage.CheckMode), cfg.A2S)
		if err != nil {
			return ran, err
		}
		log.Info().
			Int("checked", rep.Checked).
			Int("refreshed", rep.Refreshed).
			Int("deactivated", rep.Deactivated).
			Msg("Maintenance task completed")
	}

	return ran, nil
}

// Prune hard-deletes inactive servers last seen before the given time.
func Prune(ctx context.Context, store Store, before time.Time) (int64, error) {
	deleted, err := store.PruneInactive(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune inactive servers: %w", err)
	}

	return deleted, nil
}

// CheckActive probes every active server. Servers that answer are refreshed
// with the reported map and player counts, if any; the others are deactivated.
func CheckActive(ctx context.Context, store Store, probe Prober, opts config.A2S) (CheckReport, error) {
	servers, err := store.ActiveServers(ctx)
	if err != nil {
		return CheckReport{}, fmt.Errorf("failed to fetch active servers: %w", err)
	}
	if len(servers) == 0 {
		log.Info().Msg("No servers found for maintenance")
		return CheckReport{}, nil
	}

	var (
		mu          sync.Mutex
		alive       []models.ServerRecord
		unreachable []models.ServerID
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))

	for _, srv := range servers {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			logCtx := log.With().
				Uint64("id", uint64(srv.ID)).
				Str("address", srv.Address.String()).
				Logger()

			status, err := probe(srv.Address, opts)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				logCtx.Debug().Err(err).Msg("Server unreachable, deactivating")
				unreachable = append(unreachable, srv.ID)
				return nil
			}

			if status != nil {
				srv.Map = status.Map
				srv.CurrentPlayers = status.Players
				srv.MaxPlayers = status.MaxPlayers
			}
			srv.LastSeenAt = time.Now().UTC()
			alive = append(alive, srv)
			logCtx.Trace().Msg("Server answered")

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CheckReport{}, err
	}

	rep := CheckReport{Checked: len(servers)}

	if len(alive) > 0 {
		results, err := store.CheckinServers(ctx, alive)
		if err != nil {
			return rep, fmt.Errorf("failed to refresh servers: %w", err)
		}
		rep.Refreshed = countApplied(results)
	}

	if len(unreachable) > 0 {
		results, err := store.DeactivateServers(ctx, unreachable)
		if err != nil {
			return rep, fmt.Errorf("failed to deactivate servers: %w", err)
		}
		rep.Deactivated = countApplied(results)
	}

	return rep, nil
}

func countApplied(results []storage.Result) int {
	n := 0
	for _, res := range results {
		if res.Err == nil {
			n++
		} else {
			log.Warn().Err(res.Err).Msg("Maintenance update skipped")
		}
	}

	return n
}
