// Package cluster gossips node liveness and storage attributes between
// objectmesh processes using memberlist.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/objectmesh/internal/node"
)

// ErrNotMember is returned by Probe for nodes that are not alive members.
var ErrNotMember = errors.New("not an alive cluster member")

// Config configures a Membership.
type Config struct {
	// Name is this process's storage node id, used as the memberlist name.
	Name string
	// BindAddr is the gossip address, e.g. ":7946" or "127.0.0.1:7946".
	BindAddr string
	// Seeds are gossip addresses of existing members to join.
	Seeds []string
	// Attrs is what this process advertises about itself.
	Attrs  node.Attrs
	Logger zerolog.Logger
}

// meta is the gossiped form of node.Attrs.
type meta struct {
	Type         node.Type `json:"t,omitempty"`
	Capacity     *int64    `json:"c,omitempty"`
	Used         *int64    `json:"u,omitempty"`
	Capabilities []string  `json:"cap,omitempty"`
}

// Membership wraps memberlist. It implements reconcile.Prober: a node is
// reachable while it is an alive member, and its attributes are whatever it
// last gossiped.
type Membership struct {
	ml     *memberlist.Memberlist
	logger zerolog.Logger

	mu    sync.RWMutex
	local meta
}

// New creates the memberlist instance and joins cfg.Seeds. Failing to reach
// the seeds is logged, not returned; gossip retries on its own.
func New(cfg Config) (*Membership, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("cluster: node name is required")
	}
	host, port, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", cfg.BindAddr, err)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}

	m := &Membership{
		logger: cfg.Logger.With().Str("component", "cluster").Logger(),
		local:  toMeta(cfg.Attrs),
	}

	mlCfg := memberlist.DefaultLocalConfig()
	mlCfg.Name = cfg.Name
	mlCfg.BindAddr = host
	mlCfg.BindPort = portNum
	mlCfg.AdvertisePort = portNum

	mlCfg.TCPTimeout = 10 * time.Second
	mlCfg.IndirectChecks = 3
	mlCfg.RetransmitMult = 4
	mlCfg.SuspicionMult = 4
	mlCfg.ProbeTimeout = 500 * time.Millisecond
	mlCfg.ProbeInterval = time.Second
	mlCfg.GossipInterval = 200 * time.Millisecond
	mlCfg.GossipNodes = 3

	mlCfg.Delegate = (*delegate)(m)
	mlCfg.Events = (*events)(m)
	mlCfg.LogOutput = &logAdapter{logger: m.logger}

	m.ml, err = memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	if len(cfg.Seeds) > 0 {
		if err := m.Join(cfg.Seeds); err != nil {
			m.logger.Warn().Err(err).Strs("seeds", cfg.Seeds).Msg("Failed to join seed nodes, gossip will retry")
		}
	}
	return m, nil
}

// Join contacts seed members. It fails only if no seed could be reached.
func (m *Membership) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	joined, err := m.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if joined == 0 {
		return fmt.Errorf("join cluster: no seed reachable")
	}
	m.logger.Info().Int("joined", joined).Int("total_seeds", len(seeds)).Msg("Joined cluster")
	return nil
}

// Probe reports the attributes nodeID last gossiped, or ErrNotMember when it
// is not an alive member.
func (m *Membership) Probe(ctx context.Context, nodeID string) (node.Attrs, error) {
	if err := ctx.Err(); err != nil {
		return node.Attrs{}, err
	}
	for _, n := range m.ml.Members() {
		if n.Name != nodeID {
			continue
		}
		if n.State != memberlist.StateAlive {
			break
		}
		return fromMeta(n.Meta)
	}
	return node.Attrs{}, fmt.Errorf("%w: %s", ErrNotMember, nodeID)
}

// Advertise replaces this process's gossiped attributes and pushes them out.
func (m *Membership) Advertise(attrs node.Attrs, timeout time.Duration) error {
	m.mu.Lock()
	m.local = toMeta(attrs)
	m.mu.Unlock()

	if err := m.ml.UpdateNode(timeout); err != nil {
		return fmt.Errorf("advertise node metadata: %w", err)
	}
	return nil
}

// Members returns the names of alive members, sorted.
func (m *Membership) Members() []string {
	var names []string
	for _, n := range m.ml.Members() {
		if n.State == memberlist.StateAlive {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Addr returns the address other members reach this one on.
func (m *Membership) Addr() string {
	n := m.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), fmt.Sprint(n.Port))
}

// Leave broadcasts a graceful leave.
func (m *Membership) Leave(timeout time.Duration) error {
	if err := m.ml.Leave(timeout); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return nil
}

// Shutdown stops gossip. It is safe to call more than once.
func (m *Membership) Shutdown() error {
	if err := m.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

func toMeta(a node.Attrs) meta {
	return meta{Type: a.Type, Capacity: a.Capacity, Used: a.Used, Capabilities: a.Capabilities}
}

func fromMeta(b []byte) (node.Attrs, error) {
	if len(b) == 0 {
		return node.Attrs{}, nil
	}
	var md meta
	if err := json.Unmarshal(b, &md); err != nil {
		return node.Attrs{}, fmt.Errorf("decode node metadata: %w", err)
	}
	return node.Attrs{Type: md.Type, Capacity: md.Capacity, Used: md.Used, Capabilities: md.Capabilities}, nil
}

// delegate serves this node's metadata to memberlist.
type delegate Membership

func (d *delegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, err := json.Marshal(d.local)
	if err != nil || len(b) > limit {
		d.logger.Warn().Err(err).Int("limit", limit).Msg("Node metadata not advertised")
		return nil
	}
	return b
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// events logs membership changes.
type events Membership

func (e *events) NotifyJoin(n *memberlist.Node) {
	e.logger.Info().Str("node", n.Name).Str("addr", n.Address()).Msg("Member joined")
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	e.logger.Info().Str("node", n.Name).Msg("Member left")
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.logger.Debug().Str("node", n.Name).Msg("Member updated")
}

// logAdapter routes memberlist's log output to zerolog.
type logAdapter struct {
	logger zerolog.Logger
}

func (l *logAdapter) Write(p []byte) (int, error) {
	l.logger.Debug().Str("source", "memberlist").Msg(string(p))
	return len(p), nil
}
