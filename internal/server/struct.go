package server

import (
	"context"
	"sync"
	"time"

	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/geoip"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/queue"
	"github.com/woozymasta/masterlist/internal/reconciler"
	"github.com/woozymasta/masterlist/internal/snapshot"
)

// Reader is the read-only part of the store used by the admin API.
// Handlers never write to the store; every change goes through the queues.
type Reader interface {
	GetServer(ctx context.Context, id models.ServerID) (*models.ServerRecord, error)
	ListServers(ctx context.Context, activeOnly bool) ([]models.ServerRecord, error)
	RecentLogs(ctx context.Context, limit int) ([]models.LogEntry, error)
}

// StatsSource reports the reconciler counters.
type StatsSource interface {
	Stats() reconciler.Stats
}

// Server holds the dependencies and configuration of the HTTP handlers.
type Server struct {
	// store serves admin lookups of single servers and diagnostic logs.
	store Reader

	// queues receive every validated submission and the snapshot read log lines.
	queues *queue.Set

	// publisher holds the snapshot served to clients.
	publisher *snapshot.Publisher

	// engine exposes tick statistics for the admin stats endpoint.
	engine StatsSource

	// geoip resolves the country of registered servers, nil disables it.
	geoip *geoip.Provider

	metrics *metrics.Metrics

	// shutdown stops the rate limiter cleanup goroutine.
	shutdown  chan struct{}
	closeOnce sync.Once

	// authToken is the bearer token of the admin endpoints.
	authToken string

	// expectedCT is the Content-Type prefix required on submissions, empty accepts any.
	expectedCT string

	// a2sOptions configures live A2S probes from the admin API.
	a2sOptions config.A2S

	// maxBody caps submission bodies, both on the wire and after inflating.
	maxBody int64

	// checkinInterval is the period recommended to game servers.
	checkinInterval time.Duration

	// hardLimitCount is the maximum number of submissions per IP within hardLimitWin.
	hardLimitCount int
	hardLimitWin   time.Duration

	// trustProxy enables CF-Connecting-IP and X-Forwarded-For.
	trustProxy bool
}

// statsResponse is the body of the admin stats endpoint.
type statsResponse struct {
	Engine   reconciler.Stats `json:"engine"`
	Queues   map[string]int   `json:"queues"`
	Snapshot *snapshotStats   `json:"snapshot"`
}

type snapshotStats struct {
	GeneratedAt     time.Time `json:"generated_at"`
	Servers         int       `json:"servers"`
	Bytes           int       `json:"bytes"`
	CompressedBytes int       `json:"compressed_bytes"`
}
