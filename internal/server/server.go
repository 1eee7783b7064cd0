// Package server implements the HTTP transport of the registry: submission
// intake, server list reads and the admin API.
package server

import (
	"net/http"

	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/geoip"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/queue"
	"github.com/woozymasta/masterlist/internal/snapshot"
)

// New creates a Server. geo may be nil.
func New(
	store Reader,
	queues *queue.Set,
	publisher *snapshot.Publisher,
	engine StatsSource,
	geo *geoip.Provider,
	m *metrics.Metrics,
	cfg *config.Config,
) *Server {
	if m == nil {
		m = metrics.New()
	}

	return &Server{
		store:           store,
		queues:          queues,
		publisher:       publisher,
		engine:          engine,
		geoip:           geo,
		metrics:         m,
		authToken:       cfg.Server.AuthToken,
		expectedCT:      cfg.Server.ContentType,
		a2sOptions:      cfg.A2S,
		maxBody:         cfg.Server.MaxBodySize,
		checkinInterval: cfg.Registry.CheckinInterval,
		hardLimitCount:  cfg.RateLimit.HardLimitCount,
		hardLimitWin:    cfg.RateLimit.HardLimitWin,
		trustProxy:      cfg.Server.TrustProxy,

		shutdown: make(chan struct{}),
	}
}

// Close stops background goroutines started by Run.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.shutdown) })
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	// Submissions share a single per-IP limiter
	submissions := http.NewServeMux()
	submissions.HandleFunc("PUT /{$}", s.handleLegacySubmission)
	submissions.HandleFunc("POST /{$}", s.handleLegacySubmission)
	submissions.Handle("POST /api/register", s.handleSubmission(models.Registration))
	submissions.Handle("POST /api/checkin", s.handleSubmission(models.Checkin))
	submissions.Handle("POST /api/deregister", s.handleSubmission(models.Deregistration))
	limited := s.RateLimitMiddleware(submissions)

	mux := http.NewServeMux()
	mux.Handle("PUT /{$}", limited)
	mux.Handle("POST /{$}", limited)
	mux.Handle("POST /api/register", limited)
	mux.Handle("POST /api/checkin", limited)
	mux.Handle("POST /api/deregister", limited)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle("GET /api/stats", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /api/logs", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /api/a2s", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleServerQuery)))
	mux.Handle("GET /api/registry", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleListServers)))
	mux.Handle("GET /api/server", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleGetServer)))
	mux.Handle("DELETE /api/server", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleDeleteServer)))

	return s.LoggingMiddleware(mux)
}
