package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/game"
	"github.com/woozymasta/masterlist/internal/identity"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/storage"
	"github.com/woozymasta/masterlist/internal/vars"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// handleStats reports reconciler counters, queue depths and the current snapshot.
// It reads only in-memory state.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Engine: s.engine.Stats(),
		Queues: s.queues.Depths(),
	}

	if snap := s.publisher.Current(); snap != nil {
		resp.Snapshot = &snapshotStats{
			GeneratedAt:     snap.GeneratedAt,
			Servers:         snap.Len(),
			Bytes:           len(snap.JSON),
			CompressedBytes: len(snap.Compressed),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLogs returns the newest diagnostic log entries.
// Query params: ?limit=100
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := s.store.RecentLogs(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch logs")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleServerQuery performs a live A2S query to a game server.
// Query params: ?ip=1.2.3.4&port=27015
func (s *Server) handleServerQuery(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	status, err := game.QueryServer(addr, s.a2sOptions)
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleGetServer returns the stored record of a server, active or not.
// Query params: ?ip=1.2.3.4&port=27015
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	record, err := s.store.GetServer(r.Context(), identity.Of(addr))
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("address", addr.String()).Msg("Failed to fetch server")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleListServers returns every stored server, most recently seen first.
// Unlike the published list it includes inactive records unless ?active=true.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid active flag", http.StatusBadRequest)
			return
		}
		activeOnly = b
	}

	records, err := s.store.ListServers(r.Context(), activeOnly)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list servers")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ServerRecord{}
	}

	writeJSON(w, http.StatusOK, models.ServerList{Servers: records})
}

// handleDeleteServer queues a deregistration on behalf of an operator.
// The record is kept, like any other deregistered server.
// Query params: ?ip=1.2.3.4&port=27015
func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	if err := s.Deliver(models.Deregistration, models.ServerPayload{Address: addr}, GetRealIP(r, s.trustProxy)); err != nil {
		status := http.StatusServiceUnavailable
		if isRejected(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	log.Info().
		Str("address", addr.String()).
		Msg("Server deregistered manually")

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "message": "Deregistration queued"})
}

// handleVersion returns build information.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, vars.Info())
}

// handleHealth reports ready once a server list is published.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.publisher.Current() == nil {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// addressParam reads the ip and port query params, writing 400 when they are unusable.
func addressParam(w http.ResponseWriter, r *http.Request) (models.Address, bool) {
	ip := r.URL.Query().Get("ip")
	portStr := r.URL.Query().Get("port")

	if ip == "" || portStr == "" {
		http.Error(w, "Missing ip or port", http.StatusBadRequest)
		return models.Address{}, false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || !models.Port(port).Valid() {
		http.Error(w, "Invalid port", http.StatusBadRequest)
		return models.Address{}, false
	}

	return models.Address{IP: identity.CanonicalIP(ip), Port: models.Port(port)}, true
}
