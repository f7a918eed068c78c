package distributor

import (
	"context"
	"errors"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/node"
)

// AddStorageNode registers a node or, if the id is known, updates it.
// Registering a new id beyond MaxStorageNodes is ErrInvalidArgument.
func (s *Service) AddStorageNode(ctx context.Context, id string, attrs node.Attrs) (node.Node, error) {
	if !s.ready() {
		return node.Node{}, ErrNotInitialized
	}

	before, known := s.registry.Get(id)
	n, created, err := s.registry.AddOrUpdate(id, attrs)
	if err != nil {
		opErr := opError(ErrInvalidArgument, "add_node", "", []string{id}, err)
		s.fail(ctx, opErr)
		return node.Node{}, opErr
	}

	if created {
		s.logger.Info().Str("node", id).Str("type", string(n.Type)).Msg("Storage node added")
		s.bus.Publish(ctx, events.NodeAdded, events.NodePayload{NodeID: id, Status: string(n.Status)})
		return n, nil
	}
	s.announceUpdate(ctx, before, known, n)
	return n, nil
}

// UpdateStorageNode applies attrs to a known node.
func (s *Service) UpdateStorageNode(ctx context.Context, id string, attrs node.Attrs) (node.Node, error) {
	if !s.ready() {
		return node.Node{}, ErrNotInitialized
	}

	before, known := s.registry.Get(id)
	if !known {
		opErr := opError(ErrNotFound, "update_node", "", []string{id}, node.ErrUnknownNode)
		s.fail(ctx, opErr)
		return node.Node{}, opErr
	}
	n, _, err := s.registry.AddOrUpdate(id, attrs)
	if err != nil {
		kind := ErrInvalidArgument
		if errors.Is(err, node.ErrUnknownNode) {
			kind = ErrNotFound
		}
		opErr := opError(kind, "update_node", "", []string{id}, err)
		s.fail(ctx, opErr)
		return node.Node{}, opErr
	}
	s.announceUpdate(ctx, before, known, n)
	return n, nil
}

// GetStorageNode returns a snapshot of one node.
func (s *Service) GetStorageNode(id string) (node.Node, error) {
	if !s.ready() {
		return node.Node{}, ErrNotInitialized
	}
	n, ok := s.registry.Get(id)
	if !ok {
		return node.Node{}, opError(ErrNotFound, "get_node", "", []string{id}, node.ErrUnknownNode)
	}
	return n, nil
}

// ListStorageNodes returns every registered node matching the filters.
func (s *Service) ListStorageNodes(filters ...node.Filter) ([]node.Node, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	return s.registry.List(filters...), nil
}

func (s *Service) announceUpdate(ctx context.Context, before node.Node, known bool, after node.Node) {
	s.bus.Publish(ctx, events.NodeUpdated, events.NodePayload{NodeID: after.ID, Status: string(after.Status)})
	if known && before.Status != after.Status {
		s.logger.Info().
			Str("node", after.ID).
			Str("from", string(before.Status)).
			Str("to", string(after.Status)).
			Msg("Storage node status changed")
		s.bus.Publish(ctx, events.NodeStatusChanged, events.NodePayload{NodeID: after.ID, Status: string(after.Status)})
	}
}
