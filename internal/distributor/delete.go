package distributor

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
)

// DeleteData removes an object. A remove is sent to every assigned node
// whatever its status, local units are always purged and the record is always
// dropped. Nodes whose remove failed are reported, not retried.
func (s *Service) DeleteData(ctx context.Context, dataID string, opts DeleteOptions) (*DeleteResult, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}

	res := &DeleteResult{DataID: dataID}
	fail := func(err *OpError) (*DeleteResult, error) {
		s.fail(ctx, err)
		res.Result = failure(err)
		return res, err
	}

	if dataID == "" {
		return fail(opError(ErrInvalidArgument, "delete", dataID, nil, fmt.Errorf("data id cannot be empty")))
	}

	unlock := s.table.Lock(dataID)
	opErr := s.purge(ctx, dataID, opts, res)
	unlock()

	if opErr != nil {
		return fail(opErr)
	}
	s.bus.Publish(ctx, events.DataDeleted, events.DataDeletedPayload{
		DataID:    dataID,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
	})
	return res, nil
}

// purge removes dataID's units and record while the caller holds its lock.
func (s *Service) purge(ctx context.Context, dataID string, opts DeleteOptions, res *DeleteResult) *OpError {
	rec, ok := s.table.Get(dataID)
	if !ok {
		return opError(ErrNotFound, "delete", dataID, nil, nil)
	}

	nodes := rec.NodeIDs()
	outcomes := make([]error, len(nodes))
	var g errgroup.Group
	for i, id := range nodes {
		g.Go(func() error {
			outcomes[i] = s.router.remove(ctx, id, dataID, opts.NodeTimeout)
			return nil
		})
	}
	_ = g.Wait()

	if _, err := s.cfg.UnitStore.Delete(ctx, dataID); err != nil {
		s.logger.Warn().Err(err).Str("data_id", dataID).Msg("Failed to purge local units")
	}
	s.table.Delete(dataID)

	usedByNode := make(map[string]int64)
	for _, a := range rec.Assignments {
		if a.Status == location.StatusAvailable {
			usedByNode[a.NodeID] += int64(a.Size)
		}
	}

	var group errs.Group
	for i, id := range nodes {
		if outcomes[i] != nil {
			res.Failed = append(res.Failed, id)
			group.Add(fmt.Errorf("%s: %w", id, outcomes[i]))
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
		s.registry.AdjustUsed(id, -usedByNode[id])
	}
	if err := group.Err(); err != nil {
		s.logger.Warn().Err(err).
			Str("data_id", dataID).
			Strs("failed", res.Failed).
			Msg("Some remote deletes failed")
	}

	res.Success = true
	res.Message = fmt.Sprintf("deleted from %d of %d nodes", len(res.Succeeded), len(nodes))
	return nil
}
