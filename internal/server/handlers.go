package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/codec"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/snapshot"
	"github.com/woozymasta/masterlist/internal/vars"
)

// receiveServerList is the query key legacy clients use to fetch the list.
const receiveServerList = "ReceiveServerList"

// handleIndex serves the legacy server list, or a short banner without the query key.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has(receiveServerList) {
		snap := s.currentSnapshot(w, r)
		if snap == nil {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(snap.Legacy)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(vars.Name + " " + vars.Version + "\n"))
}

// handleServers serves the current list as JSON, deflated when the client accepts it.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	snap := s.currentSnapshot(w, r)
	if snap == nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Vary", "Accept-Encoding")
	w.Header().Set("Last-Modified", snap.GeneratedAt.Format(http.TimeFormat))

	if strings.Contains(r.Header.Get("Accept-Encoding"), "deflate") {
		w.Header().Set("Content-Encoding", "deflate")
		_, _ = w.Write(snap.Compressed)
		return
	}

	_, _ = w.Write(snap.JSON)
}

// currentSnapshot returns the published list and records the read.
// It writes 503 and returns nil before the first publish.
func (s *Server) currentSnapshot(w http.ResponseWriter, r *http.Request) *snapshot.Snapshot {
	snap := s.publisher.Current()
	if snap == nil {
		http.Error(w, "Server list not ready", http.StatusServiceUnavailable)
		return nil
	}

	ip := GetRealIP(r, s.trustProxy)
	s.metrics.SnapshotReads.Inc()
	s.queues.Log(models.SeverityInfo, "Sending serverlist to "+ip, ip)

	return snap
}

// handleLegacySubmission accepts the envelope of the legacy master-server
// protocol. It always answers 200 with a zlib-compressed reply.
func (s *Server) handleLegacySubmission(w http.ResponseWriter, r *http.Request) {
	ip := GetRealIP(r, s.trustProxy)

	err := s.deliverEnvelope(w, r, ip)
	if err != nil {
		log.Debug().
			Err(err).
			Str("ip", ip).
			Str("ua", r.UserAgent()).
			Msg("Submission not accounted")
	}

	s.writeLegacyReply(w, err == nil)
}

// writeLegacyReply answers a legacy submission with 200 and a zlib-compressed
// {WasSuccessful, CheckInFrequency} document, whatever the outcome.
func (s *Server) writeLegacyReply(w http.ResponseWriter, ok bool) {
	reply, err := json.Marshal(models.LegacyResponse{
		WasSuccessful:    ok,
		CheckInFrequency: int(s.checkinInterval.Seconds()),
	})
	if err == nil {
		reply, err = codec.Compress(reply)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode legacy reply")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

func (s *Server) deliverEnvelope(w http.ResponseWriter, r *http.Request, ip string) error {
	data, err := s.readSubmission(w, r)
	if err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(models.EventKind(0).String(), metrics.ResultRejected).Inc()
		return err
	}

	var env models.Submission
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(models.EventKind(0).String(), metrics.ResultRejected).Inc()
		return errInvalidJSON(err)
	}

	kind, payload, ok := env.Unwrap()
	if !ok {
		s.metrics.SubmissionsTotal.WithLabelValues(models.EventKind(0).String(), metrics.ResultRejected).Inc()
		return errMalformedEnvelope
	}

	return s.Deliver(kind, payload, ip)
}

// handleSubmission accepts a plain JSON payload of the given kind.
func (s *Server) handleSubmission(kind models.EventKind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := GetRealIP(r, s.trustProxy)

		err := s.deliverPayload(w, r, kind, ip)
		status := http.StatusAccepted
		switch {
		case err == nil:
		case isRejected(err):
			status = http.StatusBadRequest
		case isDropped(err):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
		if err != nil {
			log.Debug().
				Err(err).
				Str("ip", ip).
				Str("kind", kind.String()).
				Msg("Submission not accounted")
		}

		writeJSON(w, status, models.SubmissionResponse{
			Accepted:                   err == nil,
			RecommendedCheckinInterval: s.checkinInterval.Seconds(),
		})
	})
}

func (s *Server) deliverPayload(w http.ResponseWriter, r *http.Request, kind models.EventKind, ip string) error {
	data, err := s.readSubmission(w, r)
	if err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(kind.String(), metrics.ResultRejected).Inc()
		return err
	}

	var payload models.ServerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(kind.String(), metrics.ResultRejected).Inc()
		return errInvalidJSON(err)
	}

	return s.Deliver(kind, payload, ip)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
