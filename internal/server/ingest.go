package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/codec"
	"github.com/woozymasta/masterlist/internal/identity"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/queue"
)

// ErrInvalidPayload wraps every validation failure of a submission.
var ErrInvalidPayload = errors.New("invalid payload")

var errMalformedEnvelope = fmt.Errorf("%w: envelope must carry exactly one of ServerRegistration, ServerCheckIn, ServerDeregistration", ErrInvalidPayload)

func errInvalidJSON(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
}

// Deliver validates a submission and queues it for the next tick.
// A nil error means the event was accepted, not that it was stored.
// source is the requester address, used when the payload omits the server IP.
func (s *Server) Deliver(kind models.EventKind, payload models.ServerPayload, source string) error {
	if payload.Address.IP == "" {
		payload.Address.IP = source
	}

	if err := validate(kind, payload); err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(kind.String(), metrics.ResultRejected).Inc()
		return err
	}
	payload.Address.IP = identity.CanonicalIP(payload.Address.IP)

	ev := models.Event{
		Kind:       kind,
		Server:     payload,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
	}
	if kind == models.Registration {
		ev.Country = s.geoip.CountryCode(payload.Address.IP)
	}

	if err := s.queues.Events(kind).Enqueue(ev); err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(kind.String(), metrics.ResultDropped).Inc()
		log.Warn().
			Err(err).
			Str("kind", kind.String()).
			Str("address", payload.Address.String()).
			Str("ip", source).
			Msg("Queue full, submission dropped")
		return err
	}

	s.metrics.SubmissionsTotal.WithLabelValues(kind.String(), metrics.ResultAccepted).Inc()
	log.Trace().
		Str("kind", kind.String()).
		Str("address", payload.Address.String()).
		Str("ip", source).
		Msg("Submission queued")

	return nil
}

func validate(kind models.EventKind, p models.ServerPayload) error {
	switch kind {
	case models.Registration, models.Checkin, models.Deregistration:
	default:
		return fmt.Errorf("%w: unknown event kind %d", ErrInvalidPayload, kind)
	}

	if kind == models.Registration && strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPayload)
	}
	if _, err := netip.ParseAddr(p.Address.IP); err != nil {
		return fmt.Errorf("%w: ip %q is not an address", ErrInvalidPayload, p.Address.IP)
	}
	if !p.Address.Port.Valid() {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPayload, p.Address.Port)
	}
	if p.MaxPlayers < 0 || p.CurrentPlayers < 0 {
		return fmt.Errorf("%w: negative player count", ErrInvalidPayload)
	}

	return nil
}

// readSubmission reads a bounded body, inflating it when it is a zlib stream.
func (s *Server) readSubmission(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if ct := r.Header.Get("Content-Type"); s.expectedCT != "" && !strings.HasPrefix(ct, s.expectedCT) {
		return nil, fmt.Errorf("%w: content type %q", ErrInvalidPayload, ct)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	data, err := codec.Unwrap(body, s.maxBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return data, nil
}

// isRejected reports whether err is the caller's fault rather than an overloaded queue.
func isRejected(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

// isDropped reports whether err came from a full or closed queue.
func isDropped(err error) bool {
	return errors.Is(err, queue.ErrFull) || errors.Is(err, queue.ErrClosed)
}
