// Package reconciler implements the tick loop that is the single writer of the registry.
//
// Request handlers only enqueue events. Once per tick the reconciler drains
// the queues, applies registrations, checkins and deregistrations in that
// order, expires silent servers, flushes diagnostic logs and, when anything
// visible changed, republishes the server list snapshot. Ticks never overlap.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/identity"
	"github.com/woozymasta/masterlist/internal/logger"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/queue"
	"github.com/woozymasta/masterlist/internal/snapshot"
	"github.com/woozymasta/masterlist/internal/storage"
)

// Store is the subset of the registry store the reconciler writes to.
type Store interface {
	UpsertServers(ctx context.Context, servers []models.ServerRecord) ([]storage.Result, error)
	CheckinServers(ctx context.Context, servers []models.ServerRecord) ([]storage.Result, error)
	DeactivateServers(ctx context.Context, ids []models.ServerID) ([]storage.Result, error)
	ExpireServers(ctx context.Context, cutoff time.Time) (int64, error)
	AppendLogs(ctx context.Context, entries []models.LogEntry) error
}

// Reconciler owns all registry writes and snapshot publication.
type Reconciler struct {
	store     Store
	publisher *snapshot.Publisher
	queues    *queue.Set
	metrics   *metrics.Metrics
	now       func() time.Time
	log       zerolog.Logger

	// tickMu is the per-tick critical section.
	tickMu sync.Mutex

	// dirty is set when the published snapshot is behind the store.
	// Guarded by tickMu.
	dirty bool

	statsMu sync.RWMutex
	stats   Stats

	tick  time.Duration
	grace time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New creates a reconciler. The first tick always publishes a snapshot.
func New(store Store, publisher *snapshot.Publisher, queues *queue.Set, cfg config.Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		publisher: publisher,
		queues:    queues,
		now:       time.Now,
		log:       logger.Component("reconciler"),
		dirty:     true,
		tick:      cfg.Tick,
		grace:     cfg.ExpiryGrace(),
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}

	return r
}

// Run ticks on the configured interval until ctx is cancelled.
// Cancellation is observed between ticks only; a running tick always completes.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().
		Dur("tick", r.tick).
		Dur("expiry_grace", r.grace).
		Msg("Starting reconciler")

	// Prime: expire what went stale while we were down and publish a first list
	r.Tick(context.WithoutCancel(ctx))

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Reconciler stopped")
			return nil
		case <-ticker.C:
			// time.Ticker drops ticks for slow receivers, so a long tick delays the next one
			r.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs one full reconciliation pass and returns what it did.
// Concurrent callers are serialized.
func (r *Reconciler) Tick(ctx context.Context) Report {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	now := r.now().UTC()
	report := Report{StartedAt: now}

	regs := r.queues.Registrations.Drain()
	checkins := r.queues.Checkins.Drain()
	deregs := r.queues.Deregistrations.Drain()
	r.observeEvents("registration", regs, now)
	r.observeEvents("checkin", checkins, now)
	r.observeEvents("deregistration", deregs, now)

	changed := r.applyRegistrations(ctx, regs, now, &report)
	changed = r.applyCheckins(ctx, checkins, now, &report) || changed
	changed = r.applyDeregistrations(ctx, deregs, &report) || changed
	changed = r.sweep(ctx, now, &report) || changed

	r.flushLogs(ctx, &report)

	if changed {
		r.dirty = true
	}

	if r.dirty {
		snap, err := r.publisher.Rebuild(ctx, now)
		if err != nil {
			report.Errors = append(report.Errors, err)
			r.metrics.StoreErrorsTotal.WithLabelValues("publish").Inc()
			r.log.Error().Err(err).Msg("Failed to rebuild server list, keeping previous snapshot")
			r.queues.Log(models.SeverityError, "Failed to generate server list: "+err.Error(), "")
		} else {
			r.dirty = false
			report.Published = true
			r.queues.Log(models.SeverityInfo, fmt.Sprintf("Generated server list for %d servers.", snap.Len()), "")
		}
		if snap != nil {
			r.metrics.ActiveServers.Set(float64(snap.Len()))
			r.metrics.SnapshotBytes.Set(float64(len(snap.Compressed)))
		}
	}

	report.Duration = time.Since(start)
	r.metrics.TickDuration.Observe(report.Duration.Seconds())
	r.record(report)

	return report
}

func (r *Reconciler) applyRegistrations(ctx context.Context, events []models.Event, now time.Time, report *Report) bool {
	if len(events) == 0 {
		return false
	}

	records := make([]models.ServerRecord, len(events))
	for i, ev := range events {
		records[i] = toRecord(ev, now)
	}

	results, err := r.store.UpsertServers(ctx, records)
	if err != nil {
		r.batchFailed(models.Registration, len(events), err, report)
		return false
	}

	changed := false
	for i, res := range results {
		ev, rec := events[i], records[i]
		if res.Err != nil {
			report.Failed++
			r.metrics.AppliedTotal.WithLabelValues(models.Registration.String(), metrics.ResultFailed).Inc()
			r.log.Warn().
				Err(res.Err).
				Uint64("id", uint64(rec.ID)).
				Str("address", rec.Address.String()).
				Str("source", ev.Source).
				Msg("Registration skipped")
			r.queues.Log(models.SeverityWarn, "Failed to register "+describe(ev)+": "+res.Err.Error(), ev.Source)
			continue
		}

		report.Registered++
		changed = changed || res.Changed
		r.metrics.AppliedTotal.WithLabelValues(models.Registration.String(), metrics.ResultApplied).Inc()
		r.log.Trace().
			Uint64("id", uint64(rec.ID)).
			Str("address", rec.Address.String()).
			Msg("Server registered")
		r.queues.Log(models.SeverityInfo, "Registered "+describe(ev), ev.Source)
	}

	return changed
}

func (r *Reconciler) applyCheckins(ctx context.Context, events []models.Event, now time.Time, report *Report) bool {
	if len(events) == 0 {
		return false
	}

	records := make([]models.ServerRecord, len(events))
	for i, ev := range events {
		records[i] = toRecord(ev, now)
	}

	results, err := r.store.CheckinServers(ctx, records)
	if err != nil {
		r.batchFailed(models.Checkin, len(events), err, report)
		return false
	}

	changed := false
	for i, res := range results {
		ev := events[i]
		switch {
		case res.Err == nil:
			report.CheckedIn++
			changed = changed || res.Changed
			r.metrics.AppliedTotal.WithLabelValues(models.Checkin.String(), metrics.ResultApplied).Inc()
			r.queues.Log(models.SeverityInfo, describe(ev)+" checked in", ev.Source)
		case isNotFound(res.Err):
			report.Ignored++
			r.metrics.AppliedTotal.WithLabelValues(models.Checkin.String(), metrics.ResultIgnored).Inc()
			r.log.Debug().
				Str("address", ev.Server.Address.String()).
				Str("source", ev.Source).
				Msg("Checkin for unregistered server ignored")
			r.queues.Log(models.SeverityWarn, "Ignored checkin of unregistered "+describe(ev), ev.Source)
		default:
			report.Failed++
			r.metrics.AppliedTotal.WithLabelValues(models.Checkin.String(), metrics.ResultFailed).Inc()
			r.log.Warn().
				Err(res.Err).
				Str("address", ev.Server.Address.String()).
				Msg("Checkin skipped")
			r.queues.Log(models.SeverityWarn, "Failed to check in "+describe(ev)+": "+res.Err.Error(), ev.Source)
		}
	}

	return changed
}

func (r *Reconciler) applyDeregistrations(ctx context.Context, events []models.Event, report *Report) bool {
	if len(events) == 0 {
		return false
	}

	ids := make([]models.ServerID, len(events))
	for i, ev := range events {
		ids[i] = identity.Of(ev.Server.Address)
	}

	results, err := r.store.DeactivateServers(ctx, ids)
	if err != nil {
		r.batchFailed(models.Deregistration, len(events), err, report)
		return false
	}

	changed := false
	for i, res := range results {
		ev := events[i]
		switch {
		case res.Err == nil:
			report.Deregistered++
			changed = changed || res.Changed
			r.metrics.AppliedTotal.WithLabelValues(models.Deregistration.String(), metrics.ResultApplied).Inc()
			r.queues.Log(models.SeverityInfo, "De-registered "+describe(ev), ev.Source)
		case isNotFound(res.Err):
			report.Ignored++
			r.metrics.AppliedTotal.WithLabelValues(models.Deregistration.String(), metrics.ResultIgnored).Inc()
			r.queues.Log(models.SeverityWarn, "Ignored deregistration of unregistered "+describe(ev), ev.Source)
		default:
			report.Failed++
			r.metrics.AppliedTotal.WithLabelValues(models.Deregistration.String(), metrics.ResultFailed).Inc()
			r.log.Warn().
				Err(res.Err).
				Str("address", ev.Server.Address.String()).
				Msg("Deregistration skipped")
			r.queues.Log(models.SeverityWarn, "Failed to de-register "+describe(ev)+": "+res.Err.Error(), ev.Source)
		}
	}

	return changed
}

// sweep deactivates servers silent for longer than the grace period.
func (r *Reconciler) sweep(ctx context.Context, now time.Time, report *Report) bool {
	expired, err := r.store.ExpireServers(ctx, now.Add(-r.grace))
	if err != nil {
		report.Errors = append(report.Errors, err)
		r.metrics.StoreErrorsTotal.WithLabelValues("sweep").Inc()
		r.log.Error().Err(err).Msg("Expiry sweep failed, retrying next tick")
		return false
	}
	if expired == 0 {
		return false
	}

	report.Expired = int(expired)
	r.metrics.ExpiredTotal.Add(float64(expired))
	r.log.Debug().Int64("count", expired).Msg("Expired silent servers")
	r.queues.Log(models.SeverityInfo, fmt.Sprintf("Purged %d expired servers.", expired), "")

	return true
}

// flushLogs writes queued diagnostic entries. Entries of a failed flush are
// dropped after being mirrored to the process log.
func (r *Reconciler) flushLogs(ctx context.Context, report *Report) {
	entries := r.queues.Logs.Drain()
	r.observeDepth("log", len(entries))
	if len(entries) == 0 {
		return
	}

	if err := r.store.AppendLogs(ctx, entries); err != nil {
		report.Errors = append(report.Errors, err)
		r.metrics.StoreErrorsTotal.WithLabelValues("logs").Inc()
		r.log.Error().Err(err).Int("count", len(entries)).Msg("Failed to flush log entries")
		for _, e := range entries {
			r.log.Warn().Str("severity", e.Severity).Str("origin", e.Origin).Msg(e.Message)
		}
		return
	}

	report.Logged = len(entries)
	for _, e := range entries {
		r.log.Trace().Str("severity", e.Severity).Str("origin", e.Origin).Msg(e.Message)
	}
}

// batchFailed accounts for a batch the store could not commit. Its events are lost.
func (r *Reconciler) batchFailed(kind models.EventKind, n int, err error, report *Report) {
	report.Failed += n
	report.Errors = append(report.Errors, err)
	r.metrics.StoreErrorsTotal.WithLabelValues(kind.String()).Inc()
	r.metrics.AppliedTotal.WithLabelValues(kind.String(), metrics.ResultFailed).Add(float64(n))
	r.log.Error().
		Err(err).
		Str("kind", kind.String()).
		Int("count", n).
		Msg("Batch failed, events dropped")
	r.queues.Log(models.SeverityError, fmt.Sprintf("Dropped %d %s events: %s", n, kind, err), "")
}

func (r *Reconciler) observeDepth(name string, n int) {
	r.metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
}

// observeEvents records the drained depth and how long each event waited in its queue.
func (r *Reconciler) observeEvents(name string, events []models.Event, now time.Time) {
	r.observeDepth(name, len(events))
	if len(events) == 0 {
		return
	}

	wait := r.metrics.QueueWait.WithLabelValues(name)
	var oldest time.Duration
	for _, ev := range events {
		if ev.ReceivedAt.IsZero() {
			continue
		}
		d := max(now.Sub(ev.ReceivedAt), 0)
		oldest = max(oldest, d)
		wait.Observe(d.Seconds())
	}

	if oldest > r.tick*2 {
		r.log.Warn().
			Str("queue", name).
			Int("events", len(events)).
			Dur("oldest", oldest).
			Msg("Events waited longer than two ticks")
	}
}

// toRecord converts a queued event into the record written for it.
func toRecord(ev models.Event, now time.Time) models.ServerRecord {
	return models.ServerRecord{
		ID:             identity.Of(ev.Server.Address),
		Name:           ev.Server.Name,
		Address:        ev.Server.Address,
		GameMode:       ev.Server.GameMode,
		Map:            ev.Server.Map,
		MaxPlayers:     ev.Server.MaxPlayers,
		CurrentPlayers: ev.Server.CurrentPlayers,
		CountryCode:    ev.Country,
		RegisteredFrom: ev.Source,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		Active:         true,
	}
}

func describe(ev models.Event) string {
	if ev.Server.Name == "" {
		return ev.Server.Address.String()
	}

	return ev.Server.Name + " on " + ev.Server.Address.String()
}
