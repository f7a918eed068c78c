package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/testutil"
)

func newMember(t *testing.T, name string, attrs node.Attrs, seeds ...string) *Membership {
	t.Helper()
	m, err := New(Config{
		Name:     name,
		BindAddr: fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t)),
		Seeds:    seeds,
		Attrs:    attrs,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "missing name", cfg: Config{BindAddr: "127.0.0.1:0"}, wantErr: true},
		{name: "invalid bind address", cfg: Config{Name: "a", BindAddr: "invalid"}, wantErr: true},
		{name: "invalid port", cfg: Config{Name: "a", BindAddr: "127.0.0.1:nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			_ = m.Shutdown()
		})
	}
}

func TestMembership_ProbeSelf(t *testing.T) {
	capacity := int64(1 << 30)
	m := newMember(t, "a", node.Attrs{
		Type:         node.TypeArchive,
		Capacity:     &capacity,
		Capabilities: []string{node.CapabilitySpecialized},
	})

	assert.Equal(t, []string{"a"}, m.Members())

	attrs, err := m.Probe(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, node.TypeArchive, attrs.Type)
	require.NotNil(t, attrs.Capacity)
	assert.Equal(t, capacity, *attrs.Capacity)
	assert.Nil(t, attrs.Used)
	assert.Equal(t, []string{node.CapabilitySpecialized}, attrs.Capabilities)
}

func TestMembership_ProbeUnknown(t *testing.T) {
	m := newMember(t, "a", node.Attrs{})

	_, err := m.Probe(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotMember)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Probe(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMembership_JoinSharesMetadata(t *testing.T) {
	used := int64(42)
	a := newMember(t, "a", node.Attrs{})
	b := newMember(t, "b", node.Attrs{Used: &used}, a.Addr())

	assert.Equal(t, []string{"a", "b"}, a.Members())
	assert.Equal(t, []string{"a", "b"}, b.Members())

	attrs, err := a.Probe(context.Background(), "b")
	require.NoError(t, err)
	require.NotNil(t, attrs.Used)
	assert.Equal(t, used, *attrs.Used)

	used = 100
	require.NoError(t, b.Advertise(node.Attrs{Used: &used}, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, testutil.WaitFor(ctx, 20*time.Millisecond, func() bool {
		attrs, err := a.Probe(ctx, "b")
		return err == nil && attrs.Used != nil && *attrs.Used == 100
	}))
}

func TestMembership_LeaveIsObserved(t *testing.T) {
	a := newMember(t, "a", node.Attrs{})
	b := newMember(t, "b", node.Attrs{}, a.Addr())

	require.NoError(t, b.Leave(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, testutil.WaitFor(ctx, 20*time.Millisecond, func() bool {
		_, err := a.Probe(ctx, "b")
		return err != nil
	}))
}

func TestMembership_JoinErrors(t *testing.T) {
	m := newMember(t, "a", node.Attrs{})

	assert.NoError(t, m.Join(nil))

	err := m.Join([]string{"127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join cluster")
}

func TestMembership_ShutdownTwice(t *testing.T) {
	m, err := New(Config{Name: "a", BindAddr: fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t)), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown())
	assert.NoError(t, m.Shutdown())
}
