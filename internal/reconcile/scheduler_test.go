package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/metrics"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/policy"
	"github.com/tunnelmesh/objectmesh/testutil"
)

var errDown = errors.New("node down")

// fakeCluster answers probes and unit fetches from in-memory maps.
type fakeCluster struct {
	mu     sync.Mutex
	down   map[string]bool
	used   map[string]int64
	units  map[string][]byte // node/data/index -> bytes
	probes int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		down:  map[string]bool{},
		used:  map[string]int64{},
		units: map[string][]byte{},
	}
}

func unitKey(nodeID, dataID string, index int) string {
	return fmt.Sprintf("%s/%s/%d", nodeID, dataID, index)
}

func (f *fakeCluster) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

func (f *fakeCluster) put(nodeID, dataID string, index int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[unitKey(nodeID, dataID, index)] = data
}

func (f *fakeCluster) Probe(_ context.Context, nodeID string) (node.Attrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.down[nodeID] {
		return node.Attrs{}, errDown
	}
	used := f.used[nodeID]
	return node.Attrs{Used: &used, Status: node.StatusOnline}, nil
}

func (f *fakeCluster) FetchUnit(_ context.Context, nodeID, dataID string, index int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return nil, errDown
	}
	data, ok := f.units[unitKey(nodeID, dataID, index)]
	if !ok {
		return nil, fmt.Errorf("unit %s missing", unitKey(nodeID, dataID, index))
	}
	return data, nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type fixture struct {
	registry *node.Registry
	table    *location.Table
	cluster  *fakeCluster
	bus      *events.Bus
	clock    *clockwork.FakeClock
	seen     []string
	mu       sync.Mutex
}

func newFixture(t *testing.T, nodes ...string) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clockwork.NewFakeClock(),
		table:   location.NewTable(),
		cluster: newFakeCluster(),
		bus:     events.NewBus(events.DefaultNames, zerolog.Nop()),
	}
	f.registry = node.NewRegistry(0, f.clock)
	for _, id := range nodes {
		_, _, err := f.registry.AddOrUpdate(id, node.Attrs{})
		require.NoError(t, err)
	}
	for _, name := range events.DefaultNames {
		_, err := f.bus.Subscribe(name, func(_ context.Context, e events.Event) error {
			f.mu.Lock()
			f.seen = append(f.seen, e.Name)
			f.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) config() Config {
	return Config{
		Registry: f.registry,
		Table:    f.table,
		Fetcher:  f.cluster,
		Prober:   f.cluster,
		Bus:      f.bus,
		Hash:     hashOf,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	}
}

func (f *fixture) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

// store records a redundant object held by nodes and puts its bytes there.
func (f *fixture) store(t *testing.T, dataID string, data []byte, nodes ...string) {
	t.Helper()
	rec := location.Record{
		DataID:    dataID,
		Policy:    policy.Redundant,
		Layout:    policy.Layout{Policy: policy.Redundant, Size: len(data), Units: 1},
		Checksums: []string{hashOf(data)},
	}
	for _, id := range nodes {
		rec.Assignments = append(rec.Assignments, location.Assignment{
			NodeID: id,
			Status: location.StatusAvailable,
			Size:   len(data),
		})
		f.cluster.put(id, dataID, 0, data)
	}
	require.NoError(t, f.table.Create(rec))
}

func TestRunSync(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.cluster.used["a"] = 512
	f.cluster.setDown("c", true)
	s := New(f.config())

	report := s.RunSync(context.Background())
	assert.Equal(t, SyncReport{Nodes: 3, Online: 2, Offline: 1, Changed: []string{"c"}}, report)

	a, _ := f.registry.Get("a")
	assert.Equal(t, int64(512), a.Used)
	assert.Equal(t, []string{events.SyncStarted, events.NodeStatusChanged, events.SyncCompleted}, f.events())

	f.cluster.setDown("c", false)
	report = s.RunSync(context.Background())
	assert.Equal(t, []string{"c"}, report.Changed)
	c, _ := f.registry.Get("c")
	assert.Equal(t, node.StatusOnline, c.Status)

	syncs, verifies := s.Runs()
	assert.Equal(t, uint64(2), syncs)
	assert.Zero(t, verifies)
}

func TestRunSync_KeepsDegradedStatus(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.registry.MarkDegraded("a")
	require.NoError(t, err)

	report := New(f.config()).RunSync(context.Background())
	assert.Empty(t, report.Changed)
	assert.Equal(t, 1, report.Online)

	a, _ := f.registry.Get("a")
	assert.Equal(t, node.StatusDegraded, a.Status)
}

func TestRunSync_WithoutProber(t *testing.T) {
	f := newFixture(t, "a")
	cfg := f.config()
	cfg.Prober = nil

	report := New(cfg).RunSync(context.Background())
	assert.Equal(t, 1, report.Nodes)
	assert.Empty(t, report.Changed)
	assert.Zero(t, f.cluster.probes)
	assert.Equal(t, []string{events.SyncStarted, events.SyncCompleted}, f.events())
}

func TestRunVerify(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.store(t, "x", []byte("payload"), "a", "b", "c")
	f.store(t, "y", []byte("other"), "a")
	f.cluster.put("b", "x", 0, []byte("tampered"))
	f.cluster.setDown("c", true)

	var gotVerified, gotFailed int
	cfg := f.config()
	cfg.OnVerified = func(verified, failed int) {
		gotVerified, gotFailed = verified, failed
	}
	f.clock.Advance(time.Hour)
	now := f.clock.Now()

	report := New(cfg).RunVerify(context.Background())
	assert.Equal(t, VerifyReport{Records: 2, Verified: 2, Failed: 2}, report)
	assert.Equal(t, 2, gotVerified)
	assert.Equal(t, 2, gotFailed)

	rec, ok := f.table.Get("x")
	require.True(t, ok)
	assert.Equal(t, now, rec.LastVerified)
	statuses := map[string]location.AssignmentStatus{}
	for _, a := range rec.Assignments {
		statuses[a.NodeID] = a.Status
	}
	assert.Equal(t, map[string]location.AssignmentStatus{
		"a": location.StatusAvailable,
		"b": location.StatusFailed,
		"c": location.StatusFailed,
	}, statuses)
	assert.Equal(t, now, rec.Assignments[0].LastVerified)

	assert.Equal(t, []string{events.VerificationStarted, events.VerificationCompleted}, f.events())
}

func TestRunVerify_RestoresRecoveredUnits(t *testing.T) {
	f := newFixture(t, "a")
	f.store(t, "x", []byte("v"), "a")
	s := New(f.config())

	f.cluster.setDown("a", true)
	assert.Equal(t, 1, s.RunVerify(context.Background()).Failed)

	f.cluster.setDown("a", false)
	report := s.RunVerify(context.Background())
	assert.Equal(t, 1, report.Verified)
	rec, _ := f.table.Get("x")
	assert.Equal(t, location.StatusAvailable, rec.Assignments[0].Status)
}

func TestRunVerify_CountsFailuresInMetrics(t *testing.T) {
	f := newFixture(t, "a")
	f.store(t, "x", []byte("v"), "a")
	f.cluster.put("a", "x", 0, []byte("bad"))

	m := metrics.New("test")
	cfg := f.config()
	cfg.Metrics = m

	New(cfg).RunVerify(context.Background())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.UnitsVerifiedFail))
}

func TestScheduler_LoopsRunOnInterval(t *testing.T) {
	f := newFixture(t, "a")
	f.store(t, "x", []byte("v"), "a")
	cfg := f.config()
	cfg.SyncInterval = time.Minute
	cfg.VerifyInterval = time.Hour
	cfg.VerifyEnabled = true
	s := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(time.Minute)
	require.NoError(t, testutil.WaitFor(ctx, 5*time.Millisecond, runsAtLeast(s, 1, 0)))

	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(59 * time.Minute)
	require.NoError(t, testutil.WaitFor(ctx, 5*time.Millisecond, runsAtLeast(s, 2, 1)))
}

func TestScheduler_VerifyDisabled(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.SyncInterval = 0
	cfg.VerifyInterval = time.Minute
	cfg.VerifyEnabled = false
	s := New(cfg)

	s.Start(context.Background())
	f.clock.Advance(time.Hour)
	s.Stop()
	s.Stop()

	syncs, verifies := s.Runs()
	assert.Zero(t, syncs)
	assert.Zero(t, verifies)
}

func TestScheduler_StopWaitsForLoops(t *testing.T) {
	f := newFixture(t, "a")
	cfg := f.config()
	cfg.SyncInterval = time.Second
	s := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Stop did not return")
	}
}

func runsAtLeast(s *Scheduler, syncs, verifies uint64) func() bool {
	return func() bool {
		gotSyncs, gotVerifies := s.Runs()
		return gotSyncs >= syncs && gotVerifies >= verifies
	}
}
