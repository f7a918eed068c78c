package distributor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/reconcile"
	"github.com/tunnelmesh/objectmesh/internal/transport"
	"github.com/tunnelmesh/objectmesh/internal/unitstore"
)

// router sends unit I/O for the local node to the unit store and everything
// else to the transport. Every call is bounded by a per-node timeout.
type router struct {
	localID   string
	local     unitstore.Store
	transport transport.Transport
	timeout   time.Duration
}

func (r *router) send(ctx context.Context, nodeID, dataID string, index int, data []byte, timeout time.Duration) error {
	ctx, cancel := r.bound(ctx, timeout)
	defer cancel()

	if nodeID == r.localID {
		return r.local.Put(ctx, dataID, index, data)
	}
	return r.transport.Send(ctx, nodeID, dataID, index, data)
}

func (r *router) fetch(ctx context.Context, nodeID, dataID string, index int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := r.bound(ctx, timeout)
	defer cancel()

	if nodeID == r.localID {
		data, err := r.local.Get(ctx, dataID, index)
		if errors.Is(err, unitstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", transport.ErrUnitMissing, err)
		}
		return data, err
	}
	return r.transport.Fetch(ctx, nodeID, dataID, index)
}

func (r *router) remove(ctx context.Context, nodeID, dataID string, timeout time.Duration) error {
	ctx, cancel := r.bound(ctx, timeout)
	defer cancel()

	if nodeID == r.localID {
		_, err := r.local.Delete(ctx, dataID)
		return err
	}
	return r.transport.Remove(ctx, nodeID, dataID)
}

// FetchUnit reads one unit with the default timeout. It lets the
// reconciliation scheduler verify units through the same routing.
func (r *router) FetchUnit(ctx context.Context, nodeID, dataID string, index int) ([]byte, error) {
	return r.fetch(ctx, nodeID, dataID, index, 0)
}

func (r *router) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	return context.WithTimeout(ctx, timeout)
}

// localProber answers probes of the local node from the unit store and hands
// every other node to next.
type localProber struct {
	r    *router
	next reconcile.Prober
}

func (p localProber) Probe(ctx context.Context, nodeID string) (node.Attrs, error) {
	if nodeID != p.r.localID {
		return p.next.Probe(ctx, nodeID)
	}
	_, used, err := p.r.local.Usage(ctx)
	if err != nil {
		return node.Attrs{}, err
	}
	return node.Attrs{Used: &used}, nil
}
