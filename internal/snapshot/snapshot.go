// Package snapshot builds and publishes the read-only server list served to clients.
//
// A Snapshot is never modified after it is published. Rebuild creates a new
// one and swaps the current pointer, so a reader holding the previous
// snapshot keeps a consistent view for as long as it needs it.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/woozymasta/masterlist/internal/codec"
	"github.com/woozymasta/masterlist/internal/models"
)

// Snapshot is an immutable encoded list of active servers.
type Snapshot struct {
	// GeneratedAt is the time the snapshot was built.
	GeneratedAt time.Time

	// JSON is the uncompressed `{"servers":[...]}` document.
	JSON []byte

	// Compressed is JSON wrapped in a zlib stream.
	Compressed []byte

	// Legacy is the zlib list served to legacy clients. Every record also
	// carries top-level "ip", string "port" and "game_id" keys.
	Legacy []byte

	// IDs lists the servers of the snapshot in document order.
	IDs []models.ServerID
}

// Len returns the number of servers in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.IDs)
}

// Source supplies the active servers to publish.
type Source interface {
	ActiveServers(ctx context.Context) ([]models.ServerRecord, error)
}

// Publisher owns the current snapshot.
type Publisher struct {
	source  Source
	current atomic.Pointer[Snapshot]
}

// NewPublisher creates a publisher with no current snapshot.
func NewPublisher(source Source) *Publisher {
	return &Publisher{source: source}
}

// Current returns the latest published snapshot, or nil before the first publish.
// Safe for any number of concurrent callers.
func (p *Publisher) Current() *Snapshot {
	return p.current.Load()
}

// Rebuild reads the active servers, encodes them and publishes the result.
//
// When the source cannot be read the current snapshot is left untouched and
// the error is returned; if nothing was ever published an empty snapshot is
// published first, so Current is never nil after Rebuild returns.
func (p *Publisher) Rebuild(ctx context.Context, now time.Time) (*Snapshot, error) {
	servers, err := p.source.ActiveServers(ctx)
	if err != nil {
		err = fmt.Errorf("failed to read active servers: %w", err)
		if p.current.Load() == nil {
			empty, encErr := Encode(nil, now)
			if encErr != nil {
				return nil, encErr
			}
			p.current.CompareAndSwap(nil, empty)
		}

		return p.current.Load(), err
	}

	snap, err := Encode(servers, now)
	if err != nil {
		return p.current.Load(), err
	}
	p.current.Store(snap)

	return snap, nil
}

// legacyRecord flattens the address of a record for clients that read
// "ip" and "port" as strings at the top level of each entry.
type legacyRecord struct {
	models.ServerRecord
	IP     string `json:"ip"`
	Port   string `json:"port"`
	GameID uint64 `json:"game_id"`
}

type legacyList struct {
	Servers []legacyRecord `json:"servers"`
}

// Encode builds a snapshot from the given records. Inactive records are skipped.
func Encode(servers []models.ServerRecord, now time.Time) (*Snapshot, error) {
	list := models.ServerList{Servers: make([]models.ServerRecord, 0, len(servers))}
	legacy := legacyList{Servers: make([]legacyRecord, 0, len(servers))}
	ids := make([]models.ServerID, 0, len(servers))
	for _, s := range servers {
		if !s.Active {
			continue
		}
		list.Servers = append(list.Servers, s)
		legacy.Servers = append(legacy.Servers, legacyRecord{
			ServerRecord: s,
			IP:           s.Address.IP,
			Port:         s.Address.Port.String(),
			GameID:       uint64(s.ID),
		})
		ids = append(ids, s.ID)
	}

	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to encode server list: %w", err)
	}

	packed, err := codec.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress server list: %w", err)
	}

	rawLegacy, err := json.Marshal(legacy)
	if err != nil {
		return nil, fmt.Errorf("failed to encode legacy server list: %w", err)
	}

	packedLegacy, err := codec.Compress(rawLegacy)
	if err != nil {
		return nil, fmt.Errorf("failed to compress legacy server list: %w", err)
	}

	return &Snapshot{
		GeneratedAt: now.UTC(),
		JSON:        raw,
		Compressed:  packed,
		Legacy:      packedLegacy,
		IDs:         ids,
	}, nil
}
