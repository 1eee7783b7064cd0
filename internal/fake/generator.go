// Package fake seeds the registry with random servers for development.
package fake

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/identity"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/storage"
)

// Store receives the generated records.
type Store interface {
	UpsertServers(ctx context.Context, servers []models.ServerRecord) ([]storage.Result, error)
}

const batchSize = 500

// GenerateData writes count random server records, all active and seen
// within the last checkin window so they show up in the next server list.
func GenerateData(ctx context.Context, store Store, count int) (int, error) {
	modes := []string{"deathmatch", "team deathmatch", "capture the flag", "king of the hill", "coop"}
	maps := []string{"arena", "docks", "foundry", "canyon", "warehouse", "station", "harbor"}
	tags := []string{"PvP", "PvE", "EU", "US", "Hardcore", "Casual"}
	countries := []string{"US", "DE", "RU", "BR", "FR", "GB", "PL", "CA", "AU", "JP", "NL", "SE"}

	now := time.Now().UTC()
	written := 0
	batch := make([]models.ServerRecord, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := store.UpsertServers(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to write fake servers: %w", err)
		}
		for _, res := range results {
			if res.Err != nil {
				log.Warn().Err(res.Err).Msg("Failed to generate fake server")
				continue
			}
			written++
		}
		batch = batch[:0]
		return nil
	}

	for i := 0; i < count; i++ {
		addr := models.Address{
			IP:   fmt.Sprintf("%d.%d.%d.%d", rand.IntN(220)+1, rand.IntN(255), rand.IntN(255), rand.IntN(254)+1),
			Port: models.Port(7777 + rand.IntN(100)),
		}
		maxPlayers := 8 << rand.IntN(3)
		seen := now.Add(-time.Duration(rand.IntN(25)) * time.Second)

		batch = append(batch, models.ServerRecord{
			ID:             identity.Of(addr),
			Name:           fmt.Sprintf("Server #%d [%s]", rand.IntN(1000), tags[rand.IntN(len(tags))]),
			Address:        addr,
			GameMode:       modes[rand.IntN(len(modes))],
			Map:            maps[rand.IntN(len(maps))],
			MaxPlayers:     maxPlayers,
			CurrentPlayers: rand.IntN(maxPlayers + 1),
			CountryCode:    countries[rand.IntN(len(countries))],
			RegisteredFrom: "fake",
			FirstSeenAt:    seen.Add(-time.Duration(rand.IntN(72)) * time.Hour),
			LastSeenAt:     seen,
			Active:         true,
		})

		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}

	if err := flush(); err != nil {
		return written, err
	}

	log.Info().Int("count", written).Msg("Fake servers generated")
	return written, nil
}
