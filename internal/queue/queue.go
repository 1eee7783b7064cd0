// Package queue implements the buffers shared between request handlers and the reconciler.
//
// Producers call Enqueue from any goroutine. The single consumer calls Drain
// once per tick and receives every item queued before the drain, in order.
// An item enqueued while a drain runs lands either in that drain or in the
// next one, never in both.
package queue

import (
	"errors"
	"sync"
	"time"

	gods "github.com/Workiva/go-datastructures/queue"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/masterlist/internal/models"
)

// ErrFull is returned by Enqueue when a bounded queue has reached its limit.
// The newest item is the one dropped.
var ErrFull = errors.New("queue is full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue is closed")

// Queue is an unbounded or bounded multi-producer, single-consumer FIFO.
type Queue[T any] struct {
	items *gods.Queue

	// mu serializes the length check and the put of bounded producers,
	// so the limit is never exceeded. Drains do not take it.
	mu    sync.Mutex
	limit int64
}

// New creates a queue. A limit of zero or less means unbounded.
func New[T any](limit int) *Queue[T] {
	hint := int64(limit)
	if hint <= 0 || hint > 1024 {
		hint = 1024
	}

	return &Queue[T]{
		items: gods.New(hint),
		limit: int64(limit),
	}
}

// Enqueue appends an item without blocking.
func (q *Queue[T]) Enqueue(item T) error {
	if q.limit > 0 {
		q.mu.Lock()
		defer q.mu.Unlock()

		if q.items.Len() >= q.limit {
			return ErrFull
		}
	}

	if err := q.items.Put(item); err != nil {
		if errors.Is(err, gods.ErrDisposed) {
			return ErrClosed
		}
		return err
	}

	return nil
}

// Drain atomically removes and returns every queued item in FIFO order.
// It never blocks waiting for items; an empty queue yields nil.
func (q *Queue[T]) Drain() []T {
	raw, err := q.items.TakeUntil(func(any) bool { return true })
	if err != nil || len(raw) == 0 {
		return nil
	}

	out := make([]T, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(T); ok {
			out = append(out, item)
		}
	}

	return out
}

// Len returns the number of queued items. The value is a snapshot.
func (q *Queue[T]) Len() int {
	return int(q.items.Len())
}

// Close disposes the queue and returns the items that were still queued.
// Further Enqueue calls fail with ErrClosed.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw := q.items.Dispose()
	out := make([]T, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(T); ok {
			out = append(out, item)
		}
	}

	return out
}

// Set bundles the four queues of the registry.
type Set struct {
	Registrations   *Queue[models.Event]
	Checkins        *Queue[models.Event]
	Deregistrations *Queue[models.Event]
	Logs            *Queue[models.LogEntry]
}

// NewSet creates the registry queues, each bounded by limit (zero for unbounded).
func NewSet(limit int) *Set {
	return &Set{
		Registrations:   New[models.Event](limit),
		Checkins:        New[models.Event](limit),
		Deregistrations: New[models.Event](limit),
		Logs:            New[models.LogEntry](limit),
	}
}

// Events returns the event queue for the kind, or nil for an unknown kind.
func (s *Set) Events(kind models.EventKind) *Queue[models.Event] {
	switch kind {
	case models.Registration:
		return s.Registrations
	case models.Checkin:
		return s.Checkins
	case models.Deregistration:
		return s.Deregistrations
	default:
		return nil
	}
}

// Depths reports the current length of every queue keyed by its name.
func (s *Set) Depths() map[string]int {
	return map[string]int{
		"registration":   s.Registrations.Len(),
		"checkin":        s.Checkins.Len(),
		"deregistration": s.Deregistrations.Len(),
		"log":            s.Logs.Len(),
	}
}

// Close closes every queue and returns how many items were still queued.
// Submissions arriving afterwards fail with ErrClosed.
func (s *Set) Close() int {
	return len(s.Registrations.Close()) +
		len(s.Checkins.Close()) +
		len(s.Deregistrations.Close()) +
		len(s.Logs.Close())
}

// Log queues a diagnostic entry for the next flush. An entry that does not
// fit is reported on the process log instead of being lost silently.
func (s *Set) Log(severity, message, origin string) {
	entry := models.LogEntry{
		Time:     time.Now().UTC(),
		Severity: severity,
		Message:  message,
		Origin:   origin,
	}

	if err := s.Logs.Enqueue(entry); err != nil {
		log.Warn().
			Err(err).
			Str("severity", severity).
			Str("origin", origin).
			Msg(message)
	}
}
