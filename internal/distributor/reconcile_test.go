package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/testutil"
)

func TestService_SynchronizeTracksReachability(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestService(t, nil, "a", "b", "c")

	var changes []events.NodePayload
	_, err := s.AddEventListener(events.NodeStatusChanged, func(_ context.Context, e events.Event) error {
		changes = append(changes, e.Payload.(events.NodePayload))
		return nil
	})
	require.NoError(t, err)

	tr.SetOffline("b", true)
	report, err := s.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Nodes)
	assert.Equal(t, 2, report.Online)
	assert.Equal(t, 1, report.Offline)
	assert.Equal(t, []string{"b"}, report.Changed)
	require.Len(t, changes, 1)
	assert.Equal(t, events.NodePayload{NodeID: "b", Status: "offline"}, changes[0])

	report, err = s.Synchronize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Changed, "no change, no event")
	assert.Len(t, changes, 1)

	tr.SetOffline("b", false)
	report, err = s.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Changed)
	n, err := s.GetStorageNode("b")
	require.NoError(t, err)
	assert.Equal(t, node.StatusOnline, n.Status)
}

func TestService_SynchronizeRefreshesUsage(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestService(t, nil, "a")
	capacity := int64(4096)
	tr.AddNode("a", node.Attrs{Capacity: &capacity})

	_, err := s.StoreData(ctx, "x", payloadOf(64), StoreOptions{ReplicaCount: 1})
	require.NoError(t, err)
	tr.DropUnit("a", "x", 0)

	_, err = s.Synchronize(ctx)
	require.NoError(t, err)
	n, err := s.GetStorageNode("a")
	require.NoError(t, err)
	assert.Equal(t, capacity, n.Capacity)
	assert.Zero(t, n.Used, "usage comes from the node, not from bookkeeping")
}

func TestService_SynchronizeKeepsLocalNodeOnline(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, nil, "a")
	_, err := s.AddStorageNode(ctx, "local", node.Attrs{})
	require.NoError(t, err)

	_, err = s.StoreData(ctx, "x", []byte("held locally"), StoreOptions{ReplicaCount: 2})
	require.NoError(t, err)

	report, err := s.Synchronize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Changed)

	n, err := s.GetStorageNode("local")
	require.NoError(t, err)
	assert.Equal(t, node.StatusOnline, n.Status)
	assert.Equal(t, int64(len("held locally")), n.Used)
}

func TestService_VerifyMarksCorruptUnits(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestService(t, nil, "a", "b", "c")

	_, err := s.StoreData(ctx, "x", []byte("original"), StoreOptions{})
	require.NoError(t, err)
	require.True(t, tr.CorruptUnit("b", "x", 0, []byte("corrupted")))
	require.True(t, tr.DropUnit("c", "x", 0))

	var completed events.VerificationPayload
	_, err = s.AddEventListener(events.VerificationCompleted, func(_ context.Context, e events.Event) error {
		completed = e.Payload.(events.VerificationPayload)
		return nil
	})
	require.NoError(t, err)

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, completed.Failed)

	st, err := s.GetDataStatus("x")
	require.NoError(t, err)
	for _, a := range st.Assignments {
		want := location.StatusFailed
		if a.NodeID == "a" {
			want = location.StatusAvailable
			assert.False(t, a.LastVerified.IsZero())
		}
		assert.Equal(t, want, a.Status, a.NodeID)
	}
	assert.InDelta(t, 1.0/3.0, st.AvailabilityRatio, 1e-9)
	assert.False(t, st.LastVerified.IsZero())

	stats, err := s.GetStorageStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.VerificationOps)

	got, err := s.RetrieveData(ctx, "x", RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got.Data)
	assert.Equal(t, []string{"a"}, got.Nodes)
}

func TestService_ScheduledSync(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, tr := newTestService(t, func(c *Config) {
		c.Clock = clock
		c.SyncInterval = time.Minute
	}, "a", "b")

	synced := make(chan struct{}, 4)
	_, err := s.AddEventListener(events.SyncCompleted, func(context.Context, events.Event) error {
		synced <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	tr.SetOffline("a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case <-synced:
	case <-ctx.Done():
		t.Fatal("sync pass did not run")
	}

	require.NoError(t, testutil.WaitFor(ctx, 5*time.Millisecond, func() bool {
		n, err := s.GetStorageNode("a")
		return err == nil && n.Status == node.StatusOffline
	}))
}
