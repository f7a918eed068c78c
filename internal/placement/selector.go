// Package placement chooses which storage nodes receive an object's units.
package placement

import (
	"errors"
	"sort"

	"github.com/tunnelmesh/objectmesh/internal/node"
)

// ErrNoAvailableNodes is returned when no online node qualifies.
var ErrNoAvailableNodes = errors.New("no available nodes")

// Options narrows the candidate set.
type Options struct {
	// RequireCapability restricts selection to nodes advertising the tag.
	RequireCapability string
	// Exclude lists node ids that must not be chosen.
	Exclude []string
	// MinFreeBytes skips nodes with known capacity whose free space is smaller.
	MinFreeBytes int64
}

// Selector picks nodes from a registry. Selection is a pure function of the
// registry contents and the arguments.
type Selector struct {
	registry *node.Registry
}

// NewSelector creates a selector over registry.
func NewSelector(registry *node.Registry) *Selector {
	return &Selector{registry: registry}
}

// Select returns up to count online node ids ordered by ascending used/capacity
// ratio, ties broken by node id. Fewer than count are returned when fewer
// qualify; none at all is ErrNoAvailableNodes.
func (s *Selector) Select(count int, opts Options) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	candidates := s.registry.List(func(n node.Node) bool {
		if !n.Online() || excluded[n.ID] {
			return false
		}
		if opts.RequireCapability != "" && !n.HasCapability(opts.RequireCapability) {
			return false
		}
		if opts.MinFreeBytes > 0 && n.Capacity > 0 && n.Capacity-n.Used < opts.MinFreeBytes {
			return false
		}
		return true
	})
	if len(candidates) == 0 {
		return nil, ErrNoAvailableNodes
	}

	Rank(candidates)

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	ids := make([]string, len(candidates))
	for i, n := range candidates {
		ids[i] = n.ID
	}
	return ids, nil
}

// Rank sorts nodes in placement preference order: lowest usage ratio first,
// then lowest id.
func Rank(nodes []node.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		ri, rj := nodes[i].UsageRatio(), nodes[j].UsageRatio()
		if ri != rj {
			return ri < rj
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// Spread maps unitCount units onto copies*unitCount assignment slots over the
// selected nodes. Units go to distinct nodes while nodes last and wrap
// round-robin after that. Each returned entry holds the node ids for that
// unit index.
func Spread(nodes []string, unitCount, copies int) [][]string {
	if unitCount <= 0 || len(nodes) == 0 {
		return nil
	}
	if copies < 1 {
		copies = 1
	}

	out := make([][]string, unitCount)
	slot := 0
	for c := 0; c < copies; c++ {
		for u := 0; u < unitCount; u++ {
			id := nodes[slot%len(nodes)]
			slot++
			if containsID(out[u], id) {
				continue
			}
			out[u] = append(out[u], id)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
