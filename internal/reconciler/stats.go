package reconciler

import (
	"errors"
	"time"

	"github.com/woozymasta/masterlist/internal/storage"
)

// Report describes a single tick.
type Report struct {
	StartedAt time.Time
	Errors    []error
	Duration  time.Duration

	Registered   int
	CheckedIn    int
	Deregistered int
	Expired      int

	// Ignored counts checkins and deregistrations of unknown servers.
	Ignored int

	// Failed counts events rolled back or lost to a failed batch.
	Failed int

	// Logged counts log entries flushed to the store.
	Logged int

	Published bool
}

// Stats aggregates reports since startup. It backs the admin stats endpoint.
type Stats struct {
	LastTickAt       time.Time `json:"last_tick_at"`
	LastPublishAt    time.Time `json:"last_publish_at"`
	LastError        string    `json:"last_error,omitempty"`
	LastTickDuration float64   `json:"last_tick_duration_seconds"`
	Ticks            uint64    `json:"ticks"`
	Registered       uint64    `json:"registered"`
	CheckedIn        uint64    `json:"checked_in"`
	Deregistered     uint64    `json:"deregistered"`
	Expired          uint64    `json:"expired"`
	Ignored          uint64    `json:"ignored"`
	Failed           uint64    `json:"failed"`
	Published        uint64    `json:"published"`
}

// Stats returns a copy of the aggregated counters.
func (r *Reconciler) Stats() Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()

	return r.stats
}

func (r *Reconciler) record(rep Report) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	s := &r.stats
	s.Ticks++
	s.LastTickAt = rep.StartedAt
	s.LastTickDuration = rep.Duration.Seconds()
	s.Registered += uint64(rep.Registered)
	s.CheckedIn += uint64(rep.CheckedIn)
	s.Deregistered += uint64(rep.Deregistered)
	s.Expired += uint64(rep.Expired)
	s.Ignored += uint64(rep.Ignored)
	s.Failed += uint64(rep.Failed)

	if rep.Published {
		s.Published++
		s.LastPublishAt = rep.StartedAt
	}
	if len(rep.Errors) > 0 {
		s.LastError = rep.Errors[len(rep.Errors)-1].Error()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
