package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/identity"
	"github.com/woozymasta/masterlist/internal/metrics"
	"github.com/woozymasta/masterlist/internal/models"
	"github.com/woozymasta/masterlist/internal/queue"
	"github.com/woozymasta/masterlist/internal/snapshot"
	"github.com/woozymasta/masterlist/internal/storage"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

const checkinInterval = 30 * time.Second

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

// flakySource lets a test make snapshot reads fail.
type flakySource struct {
	snapshot.Source
	fail atomic.Bool
}

func (f *flakySource) ActiveServers(ctx context.Context) ([]models.ServerRecord, error) {
	if f.fail.Load() {
		return nil, errors.New("database is locked")
	}

	return f.Source.ActiveServers(ctx)
}

type harness struct {
	repo    *storage.Repository
	queues  *queue.Set
	pub     *snapshot.Publisher
	source  *flakySource
	clock   *clock
	metrics *metrics.Metrics
	rec     *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repo, err := storage.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return newHarnessWithStore(t, repo, repo)
}

func newHarnessWithStore(t *testing.T, repo *storage.Repository, store Store) *harness {
	t.Helper()

	h := &harness{
		repo:    repo,
		queues:  queue.NewSet(0),
		source:  &flakySource{Source: repo},
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics: metrics.New(),
	}
	h.pub = snapshot.NewPublisher(h.source)
	h.rec = New(store, h.pub, h.queues,
		config.Registry{Tick: 10 * time.Millisecond, CheckinInterval: checkinInterval},
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
	)

	return h
}

func (h *harness) enqueue(t *testing.T, kind models.EventKind, p models.ServerPayload) {
	t.Helper()

	require.NoError(t, h.queues.Events(kind).Enqueue(models.Event{
		Kind:       kind,
		Server:     p,
		Source:     p.Address.IP + ":50000",
		ReceivedAt: h.clock.Now(),
	}))
}

func (h *harness) tick(t *testing.T) Report {
	t.Helper()

	rep := h.rec.Tick(context.Background())
	for _, err := range rep.Errors {
		t.Logf("tick error: %v", err)
	}

	return rep
}

func (h *harness) snapshotServers(t *testing.T) []models.ServerRecord {
	t.Helper()

	snap := h.pub.Current()
	require.NotNil(t, snap)

	var list models.ServerList
	require.NoError(t, json.Unmarshal(snap.JSON, &list))

	return list.Servers
}

func arena(name, ip string, port int) models.ServerPayload {
	return models.ServerPayload{
		Name:       name,
		Address:    models.Address{IP: ip, Port: models.Port(port)},
		GameMode:   "deathmatch",
		Map:        "arena",
		MaxPlayers: 16,
	}
}

func TestRegistrationAppearsAndExpires(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.Registered)
	assert.True(t, rep.Published)

	servers := h.snapshotServers(t)
	require.Len(t, servers, 1)
	assert.Equal(t, "Arena1", servers[0].Name)
	assert.True(t, servers[0].Active)
	assert.Equal(t, 0, servers[0].CurrentPlayers)
	assert.Equal(t, identity.Of(models.Address{IP: "10.0.0.1", Port: 7777}), servers[0].ID)

	// Exactly two intervals is still within the grace window
	h.clock.Advance(2 * checkinInterval)
	rep = h.tick(t)
	assert.Zero(t, rep.Expired)
	assert.Len(t, h.snapshotServers(t), 1)

	h.clock.Advance(time.Second)
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Expired)
	assert.True(t, rep.Published)
	assert.Empty(t, h.snapshotServers(t))

	// Sweep again with nothing new: no change, no republish
	rep = h.tick(t)
	assert.Zero(t, rep.Expired)
	assert.False(t, rep.Published)

	got, err := h.repo.GetServer(context.Background(), servers[0].ID)
	require.NoError(t, err)
	assert.False(t, got.Active, "expired record is retained")
}

func TestDuplicateRegistrationUpdatesSingleRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.tick(t)
	first := h.clock.Now()

	h.clock.Advance(10 * time.Second)
	update := arena("Arena1", "10.0.0.1", 7777)
	update.Map = "docks"
	update.CurrentPlayers = 4
	h.enqueue(t, models.Registration, update)
	rep := h.tick(t)
	assert.Equal(t, 1, rep.Registered)

	all, err := h.repo.ListServers(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "docks", all[0].Map)
	assert.Equal(t, 4, all[0].CurrentPlayers)
	assert.Equal(t, first, all[0].FirstSeenAt)
	assert.Equal(t, first.Add(10*time.Second), all[0].LastSeenAt)
}

func TestSameAddressTwiceInOneTick(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Registration, arena("first", "10.0.0.1", 7777))
	h.enqueue(t, models.Registration, arena("second", "10.0.0.1", 7777))
	rep := h.tick(t)
	assert.Equal(t, 2, rep.Registered)

	servers := h.snapshotServers(t)
	require.Len(t, servers, 1)
	assert.Equal(t, "second", servers[0].Name)
}

func TestQueueWaitIsObserved(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.enqueue(t, models.Registration, arena("Arena2", "10.0.0.2", 7777))
	h.clock.Advance(3 * time.Second)
	h.tick(t)

	got, err := h.metrics.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range got {
		if mf.GetName() != "masterlist_queue_wait_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetLabel()[0].GetValue() != "registration" {
				continue
			}
			found = true
			assert.EqualValues(t, 2, m.GetHistogram().GetSampleCount())
			assert.InDelta(t, 6, m.GetHistogram().GetSampleSum(), 0.001)
		}
	}
	assert.True(t, found)
}

func TestCheckinForUnknownServerIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Checkin, arena("Ghost", "10.0.0.9", 27015))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.Ignored)
	assert.Zero(t, rep.CheckedIn)
	assert.Empty(t, rep.Errors)

	all, err := h.repo.ListServers(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.snapshotServers(t))
}

func TestCheckinKeepsServerAlive(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.tick(t)

	for i := 0; i < 5; i++ {
		h.clock.Advance(checkinInterval)
		p := arena("", "10.0.0.1", 7777)
		p.CurrentPlayers = i
		h.enqueue(t, models.Checkin, p)
		rep := h.tick(t)
		assert.Equal(t, 1, rep.CheckedIn)
		assert.Zero(t, rep.Expired)
	}

	servers := h.snapshotServers(t)
	require.Len(t, servers, 1)
	assert.Equal(t, "Arena1", servers[0].Name)
	assert.Equal(t, 4, servers[0].CurrentPlayers)
	assert.Equal(t, h.clock.Now(), servers[0].LastSeenAt)
}

func TestDeregistrationDeactivatesButRetains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.enqueue(t, models.Registration, arena("Arena2", "10.0.0.2", 7777))
	h.tick(t)

	h.enqueue(t, models.Deregistration, models.ServerPayload{Address: models.Address{IP: "10.0.0.1", Port: 7777}})
	rep := h.tick(t)
	assert.Equal(t, 1, rep.Deregistered)
	assert.True(t, rep.Published)

	servers := h.snapshotServers(t)
	require.Len(t, servers, 1)
	assert.Equal(t, "Arena2", servers[0].Name)

	got, err := h.repo.GetServer(ctx, identity.Of(models.Address{IP: "10.0.0.1", Port: 7777}))
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "Arena1", got.Name)

	// A new registration brings it back
	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.tick(t)
	assert.Len(t, h.snapshotServers(t), 2)
}

func TestLogsAreFlushedEachTick(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	rep := h.tick(t)
	assert.Positive(t, rep.Logged)

	logs, err := h.repo.RecentLogs(context.Background(), 50)
	require.NoError(t, err)

	var messages []string
	for _, l := range logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "Registered Arena1 on 10.0.0.1:7777")

	// The publish message of the previous tick is flushed by the next one
	h.tick(t)
	logs, err = h.repo.RecentLogs(context.Background(), 50)
	require.NoError(t, err)
	messages = messages[:0]
	for _, l := range logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "Generated server list for 1 servers.")
}

// The snapshot must list exactly the active ids of the store after every tick.
func TestSnapshotMatchesStoreAfterEveryTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	steps := []func(){
		func() {
			for i := 0; i < 5; i++ {
				h.enqueue(t, models.Registration, arena(fmt.Sprintf("s%d", i), "10.0.1.1", 27000+i))
			}
		},
		func() {
			h.enqueue(t, models.Deregistration, arena("", "10.0.1.1", 27001))
			h.enqueue(t, models.Checkin, arena("", "10.0.1.1", 27099))
		},
		func() {
			h.clock.Advance(45 * time.Second)
			h.enqueue(t, models.Checkin, arena("", "10.0.1.1", 27002))
			h.enqueue(t, models.Checkin, arena("", "10.0.1.1", 27003))
		},
		func() { h.clock.Advance(20 * time.Second) },
		func() { h.enqueue(t, models.Registration, arena("s1", "10.0.1.1", 27001)) },
		func() { h.clock.Advance(2*checkinInterval + time.Second) },
	}

	for i, step := range steps {
		step()
		h.tick(t)

		active, err := h.repo.ActiveServers(ctx)
		require.NoError(t, err)

		want := make([]models.ServerID, 0, len(active))
		for _, s := range active {
			want = append(want, s.ID)
		}
		got := append([]models.ServerID(nil), h.pub.Current().IDs...)

		sort.Slice(want, func(a, b int) bool { return want[a] < want[b] })
		sort.Slice(got, func(a, b int) bool { return got[a] < got[b] })
		assert.Equal(t, want, got, "step %d", i)
	}
}

func TestConcurrentRegistrationsAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const (
		submitters = 20
		perWorker  = 50
		addresses  = 100
	)

	var wg sync.WaitGroup
	for w := 0; w < submitters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n := (w*perWorker + i) % addresses
				p := arena(fmt.Sprintf("srv-%d", n), fmt.Sprintf("10.1.%d.%d", n/250, n%250+1), 7777)
				assert.NoError(t, h.queues.Registrations.Enqueue(models.Event{Kind: models.Registration, Server: p}))
			}
		}(w)
	}
	wg.Wait()

	rep := h.tick(t)
	assert.Equal(t, submitters*perWorker, rep.Registered)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, h.queues.Registrations.Len())

	all, err := h.repo.ListServers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, addresses)
	assert.Len(t, h.snapshotServers(t), addresses)

	// Nothing left to apply
	rep = h.tick(t)
	assert.Zero(t, rep.Registered)
}

func TestPublishFailureKeepsLastGoodSnapshotAndRetries(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.tick(t)
	good := h.pub.Current()

	h.source.fail.Store(true)
	h.enqueue(t, models.Registration, arena("Arena2", "10.0.0.2", 7777))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.Registered)
	assert.False(t, rep.Published)
	assert.NotEmpty(t, rep.Errors)
	assert.Same(t, good, h.pub.Current())
	assert.NotEmpty(t, h.rec.Stats().LastError)

	// Store is back: the pending change is published without new events
	h.source.fail.Store(false)
	rep = h.tick(t)
	assert.True(t, rep.Published)
	assert.Len(t, h.snapshotServers(t), 2)
}

func TestFirstTickPublishesEvenWhenStoreUnreadable(t *testing.T) {
	h := newHarness(t)
	h.source.fail.Store(true)

	h.tick(t)
	require.NotNil(t, h.pub.Current())
	assert.Empty(t, h.snapshotServers(t))
}

// failingStore fails whole batches and sweeps on demand.
type failingStore struct {
	Store
	failBatches atomic.Bool
	failSweep   atomic.Bool
}

func (f *failingStore) UpsertServers(ctx context.Context, s []models.ServerRecord) ([]storage.Result, error) {
	if f.failBatches.Load() {
		return nil, errors.New("failed to begin batch: database is locked")
	}
	return f.Store.UpsertServers(ctx, s)
}

func (f *failingStore) ExpireServers(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.failSweep.Load() {
		return 0, errors.New("failed to begin sweep: disk I/O error")
	}
	return f.Store.ExpireServers(ctx, cutoff)
}

func TestStoreFailuresDoNotStopTheEngine(t *testing.T) {
	repo, err := storage.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	store := &failingStore{Store: repo}
	h := newHarnessWithStore(t, repo, store)

	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))
	h.tick(t)

	store.failBatches.Store(true)
	store.failSweep.Store(true)
	h.enqueue(t, models.Registration, arena("Lost", "10.0.0.2", 7777))
	h.clock.Advance(3 * checkinInterval)

	rep := h.tick(t)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, rep.Errors, 2)
	assert.Len(t, h.snapshotServers(t), 1, "snapshot unchanged while the store fails")

	store.failBatches.Store(false)
	store.failSweep.Store(false)
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Expired, "sweep retried on the next tick")
	assert.Empty(t, h.snapshotServers(t))
}

// overlapStore detects concurrent entry into the store.
type overlapStore struct {
	Store
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (o *overlapStore) ExpireServers(ctx context.Context, cutoff time.Time) (int64, error) {
	if o.inFlight.Add(1) > 1 {
		o.overlaps.Add(1)
	}
	defer o.inFlight.Add(-1)

	time.Sleep(5 * time.Millisecond)
	return o.Store.ExpireServers(ctx, cutoff)
}

func TestTicksNeverOverlap(t *testing.T) {
	repo, err := storage.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	store := &overlapStore{Store: repo}
	h := newHarnessWithStore(t, repo, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.rec.Tick(context.Background())
		}()
	}
	wg.Wait()

	assert.Zero(t, store.overlaps.Load())
	assert.EqualValues(t, 8, h.rec.Stats().Ticks)
}

func TestRunPrimesAndStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, models.Registration, arena("Arena1", "10.0.0.1", 7777))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.rec.Stats().Ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}

	assert.Len(t, h.snapshotServers(t), 1)
	stats := h.rec.Stats()
	assert.EqualValues(t, 1, stats.Registered)
	assert.GreaterOrEqual(t, stats.Published, uint64(1))
}
