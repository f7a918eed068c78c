// Package node tracks the storage nodes known to this process, their liveness
// and their capacity.
package node

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status is a node's liveness state.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded" // reachable, but not accepting new units
)

// Type is a node's capability class.
type Type string

const (
	TypePrimary     Type = "primary"
	TypeReplica     Type = "replica"
	TypeArchive     Type = "archive"
	TypeSpecialized Type = "specialized"
)

// CapabilitySpecialized marks nodes able to hold units of the specialized
// shared policy.
const CapabilitySpecialized = "supports-specialized-policy"

// Registry errors.
var (
	ErrEmptyID       = errors.New("node id cannot be empty")
	ErrUnknownNode   = errors.New("unknown node")
	ErrRegistryFull  = errors.New("node registry is full")
	ErrInvalidStatus = errors.New("invalid node status")
)

// Node is a snapshot of one storage participant.
type Node struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	Status       Status    `json:"status"`
	Capacity     int64     `json:"capacity"` // 0 = unknown
	Used         int64     `json:"used"`
	LastSeen     time.Time `json:"last_seen"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Online reports whether the node accepts new units.
func (n Node) Online() bool {
	return n.Status == StatusOnline
}

// Serving reports whether units already on the node can be read.
func (n Node) Serving() bool {
	return n.Status == StatusOnline || n.Status == StatusDegraded
}

// HasCapability reports whether the node advertises the capability tag.
func (n Node) HasCapability(c string) bool {
	return slices.Contains(n.Capabilities, c)
}

// UsageRatio returns used/capacity. Nodes with unknown capacity report 0,
// so they are treated as empty.
func (n Node) UsageRatio() float64 {
	if n.Capacity <= 0 {
		return 0
	}
	return float64(n.Used) / float64(n.Capacity)
}

// Attrs is a partial update. Zero-valued fields leave the node unchanged.
type Attrs struct {
	Type         Type
	Status       Status
	Capacity     *int64
	Used         *int64
	Capabilities []string
}

// Filter selects nodes.
type Filter func(Node) bool

// WithCapability matches nodes advertising c.
func WithCapability(c string) Filter {
	return func(n Node) bool { return n.HasCapability(c) }
}

// WithType matches nodes of type t.
func WithType(t Type) Filter {
	return func(n Node) bool { return n.Type == t }
}

// Registry holds every node ever registered. Nodes are never removed, only
// marked offline.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	maxNodes int // 0 = unlimited
	clock    clockwork.Clock
}

// NewRegistry creates an empty registry. maxNodes of 0 means no limit.
func NewRegistry(maxNodes int, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		nodes:    make(map[string]*Node),
		maxNodes: maxNodes,
		clock:    clock,
	}
}

// AddOrUpdate inserts a node or applies attrs to an existing one, refreshing
// LastSeen either way. New nodes default to online. It reports whether the
// node was created.
func (r *Registry) AddOrUpdate(id string, attrs Attrs) (Node, bool, error) {
	if id == "" {
		return Node{}, false, ErrEmptyID
	}
	if attrs.Status != "" && !validStatus(attrs.Status) {
		return Node{}, false, fmt.Errorf("%w: %q", ErrInvalidStatus, attrs.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, exists := r.nodes[id]
	if !exists {
		if r.maxNodes > 0 && len(r.nodes) >= r.maxNodes {
			return Node{}, false, fmt.Errorf("%w: limit %d", ErrRegistryFull, r.maxNodes)
		}
		n = &Node{ID: id, Type: TypePrimary, Status: StatusOnline}
		r.nodes[id] = n
	}

	if attrs.Type != "" {
		n.Type = attrs.Type
	}
	if attrs.Status != "" {
		n.Status = attrs.Status
	}
	if attrs.Capacity != nil {
		n.Capacity = *attrs.Capacity
	}
	if attrs.Used != nil {
		n.Used = *attrs.Used
	}
	if attrs.Capabilities != nil {
		caps := slices.Clone(attrs.Capabilities)
		sort.Strings(caps)
		n.Capabilities = slices.Compact(caps)
	}
	n.LastSeen = r.clock.Now()

	return n.clone(), !exists, nil
}

// MarkOnline sets the node online and refreshes LastSeen. It reports whether
// the status changed.
func (r *Registry) MarkOnline(id string) (bool, error) {
	return r.setStatus(id, StatusOnline, true)
}

// MarkOffline sets the node offline. It reports whether the status changed.
func (r *Registry) MarkOffline(id string) (bool, error) {
	return r.setStatus(id, StatusOffline, false)
}

// MarkDegraded sets the node degraded and refreshes LastSeen.
func (r *Registry) MarkDegraded(id string) (bool, error) {
	return r.setStatus(id, StatusDegraded, true)
}

func (r *Registry) setStatus(id string, status Status, seen bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	changed := n.Status != status
	n.Status = status
	if seen {
		n.LastSeen = r.clock.Now()
	}
	return changed, nil
}

// AdjustUsed adds delta to the node's used bytes, flooring at zero.
func (r *Registry) AdjustUsed(id string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return
	}
	n.Used += delta
	if n.Used < 0 {
		n.Used = 0
	}
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// List returns copies of all nodes matching every filter, sorted by id.
func (r *Registry) List(filters ...Filter) []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		c := n.clone()
		if matches(c, filters) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListOnline returns the ids of online nodes matching every filter, sorted.
func (r *Registry) ListOnline(filters ...Filter) []string {
	nodes := r.List(append([]Filter{func(n Node) bool { return n.Online() }}, filters...)...)
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Counts returns the number of nodes per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int, 3)
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	return counts
}

func (n *Node) clone() Node {
	c := *n
	c.Capabilities = slices.Clone(n.Capabilities)
	return c
}

func matches(n Node, filters []Filter) bool {
	for _, f := range filters {
		if f != nil && !f(n) {
			return false
		}
	}
	return true
}

func validStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDegraded:
		return true
	}
	return false
}
