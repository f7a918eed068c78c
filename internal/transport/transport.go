// Package transport moves units between this process and storage nodes.
package transport

import (
	"context"
	"errors"
)

// Transport errors.
var (
	// ErrUnreachable means the node did not accept the call at all.
	ErrUnreachable = errors.New("node unreachable")
	// ErrUnitMissing means the node answered but does not hold the unit.
	ErrUnitMissing = errors.New("unit missing on node")
)

// Transport is the node-facing store/fetch/remove surface. Every call may
// block; callers bound it with a context deadline and treat a timeout as a
// failure of that node for that operation.
type Transport interface {
	// Send stores one unit of dataID on nodeID.
	Send(ctx context.Context, nodeID, dataID string, index int, data []byte) error

	// Fetch reads one unit of dataID from nodeID.
	Fetch(ctx context.Context, nodeID, dataID string, index int) ([]byte, error)

	// Remove deletes every unit of dataID held by nodeID.
	Remove(ctx context.Context, nodeID, dataID string) error
}
