// Package game probes registered game servers, over the Source Engine Query (A2S)
// protocol or with a bare reachability check.
package game

import (
	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/models"
)

// Status is what a reachable server reports about itself.
type Status struct {
	Name       string `json:"name"`
	Map        string `json:"map"`
	Game       string `json:"game"`
	Version    string `json:"version"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
}

// QueryServer sends A2S_INFO to addr and returns the reply.
// An error means the server did not answer within the configured timeout.
func QueryServer(addr models.Address, options config.A2S) (*Status, error) {
	client, err := a2s.New(addr.IP, int(addr.Port))
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = options.BufferSize
	client.Timeout = options.Timeout

	info, err := client.GetInfo()
	if err != nil {
		return nil, err
	}

	return &Status{
		Name:       info.Name,
		Map:        info.Map,
		Game:       info.Game,
		Version:    info.Version,
		Players:    int(info.Players),
		MaxPlayers: int(info.MaxPlayers),
	}, nil
}
