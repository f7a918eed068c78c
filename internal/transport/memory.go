package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/unitstore"
)

// Memory is an in-process Transport. Every node gets its own in-memory unit
// store, and faults are injected per node: offline nodes refuse every call,
// failing sends reject writes, and delays hold a call until the delay passes
// or the caller's context ends.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]*memNode

	sends   atomic.Int64
	fetches atomic.Int64
	removes atomic.Int64
}

type memNode struct {
	units       *unitstore.Memory
	attrs       node.Attrs
	offline     bool
	failSends   bool
	failRemoves bool
	delay       time.Duration
}

// NewMemory creates a transport with the given nodes attached.
func NewMemory(nodeIDs ...string) *Memory {
	m := &Memory{nodes: make(map[string]*memNode)}
	for _, id := range nodeIDs {
		m.AddNode(id, node.Attrs{})
	}
	return m
}

// AddNode attaches a node. attrs is what Probe reports for it. Attaching an
// existing node only replaces its reported attributes.
func (m *Memory) AddNode(id string, attrs node.Attrs) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[id]; ok {
		n.attrs = attrs
		return
	}
	m.nodes[id] = &memNode{units: unitstore.NewMemory(), attrs: attrs}
}

// Nodes returns the attached node ids, sorted.
func (m *Memory) Nodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetOffline makes every call to the node fail with ErrUnreachable.
func (m *Memory) SetOffline(id string, offline bool) {
	m.update(id, func(n *memNode) { n.offline = offline })
}

// FailSends makes Send to the node fail while the node stays reachable.
func (m *Memory) FailSends(id string, fail bool) {
	m.update(id, func(n *memNode) { n.failSends = fail })
}

// FailRemoves makes Remove on the node fail.
func (m *Memory) FailRemoves(id string, fail bool) {
	m.update(id, func(n *memNode) { n.failRemoves = fail })
}

// SetDelay holds every call to the node for d.
func (m *Memory) SetDelay(id string, d time.Duration) {
	m.update(id, func(n *memNode) { n.delay = d })
}

// DropUnit loses one unit on a node. It reports whether the unit existed.
func (m *Memory) DropUnit(nodeID, dataID string, index int) bool {
	n, ok := m.node(nodeID)
	if !ok {
		return false
	}
	return n.units.Drop(dataID, index)
}

// CorruptUnit replaces one unit's bytes on a node in place.
func (m *Memory) CorruptUnit(nodeID, dataID string, index int, data []byte) bool {
	n, ok := m.node(nodeID)
	if !ok {
		return false
	}
	return n.units.Corrupt(dataID, index, data)
}

// Held returns the number of units and bytes a node holds.
func (m *Memory) Held(nodeID string) (int, int64) {
	n, ok := m.node(nodeID)
	if !ok {
		return 0, 0
	}
	units, size, _ := n.units.Usage(context.Background())
	return units, size
}

// Calls returns how many send, fetch and remove calls reached the transport.
func (m *Memory) Calls() (sends, fetches, removes int64) {
	return m.sends.Load(), m.fetches.Load(), m.removes.Load()
}

func (m *Memory) Send(ctx context.Context, nodeID, dataID string, index int, data []byte) error {
	m.sends.Add(1)
	n, err := m.reach(ctx, nodeID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	fail := n.failSends
	m.mu.RUnlock()
	if fail {
		return fmt.Errorf("send %s/%d to %s: rejected", dataID, index, nodeID)
	}
	return n.units.Put(ctx, dataID, index, data)
}

func (m *Memory) Fetch(ctx context.Context, nodeID, dataID string, index int) ([]byte, error) {
	m.fetches.Add(1)
	n, err := m.reach(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	data, err := n.units.Get(ctx, dataID, index)
	if errors.Is(err, unitstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%d on %s", ErrUnitMissing, dataID, index, nodeID)
	}
	return data, err
}

func (m *Memory) Remove(ctx context.Context, nodeID, dataID string) error {
	m.removes.Add(1)
	n, err := m.reach(ctx, nodeID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	fail := n.failRemoves
	m.mu.RUnlock()
	if fail {
		return fmt.Errorf("remove %s from %s: rejected", dataID, nodeID)
	}
	_, err = n.units.Delete(ctx, dataID)
	return err
}

// Probe reports the node's attributes with its current usage, or
// ErrUnreachable if the node is offline.
func (m *Memory) Probe(ctx context.Context, nodeID string) (node.Attrs, error) {
	n, err := m.reach(ctx, nodeID)
	if err != nil {
		return node.Attrs{}, err
	}
	m.mu.RLock()
	attrs := n.attrs
	m.mu.RUnlock()

	_, used, err := n.units.Usage(ctx)
	if err != nil {
		return node.Attrs{}, err
	}
	attrs.Used = &used
	return attrs, nil
}

// reach applies the node's delay and offline state.
func (m *Memory) reach(ctx context.Context, nodeID string) (*memNode, error) {
	n, ok := m.node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not attached", ErrUnreachable, nodeID)
	}

	m.mu.RLock()
	delay, offline := n.delay, n.offline
	m.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, nodeID)
	}
	return n, ctx.Err()
}

func (m *Memory) node(id string) (*memNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

func (m *Memory) update(id string, fn func(*memNode)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		fn(n)
	}
}
