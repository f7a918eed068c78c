package distributor

import (
	"context"
	"fmt"

	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/metrics"
	"github.com/tunnelmesh/objectmesh/internal/node"
)

// GetDataStatus reports how much of an object is currently reachable. The
// availability ratio is the share of assignments that are available on a
// serving node. It never mutates state.
func (s *Service) GetDataStatus(dataID string) (*DataStatus, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}

	st := &DataStatus{DataID: dataID}
	if dataID == "" {
		err := opError(ErrInvalidArgument, "status", dataID, nil, fmt.Errorf("data id cannot be empty"))
		s.fail(context.Background(), err)
		st.Result = failure(err)
		return st, err
	}
	rec, ok := s.table.Get(dataID)
	if !ok {
		err := opError(ErrNotFound, "status", dataID, nil, nil)
		s.fail(context.Background(), err)
		st.Result = failure(err)
		return st, err
	}

	reachable := rec.Clone()
	live := 0
	for i, a := range rec.Assignments {
		n, known := s.registry.Get(a.NodeID)
		if a.Status == location.StatusAvailable && known && n.Serving() {
			live++
			continue
		}
		if a.Status == location.StatusAvailable {
			reachable.Assignments[i].Status = location.StatusFailed
		}
	}

	if len(rec.Assignments) > 0 {
		st.AvailabilityRatio = float64(live) / float64(len(rec.Assignments))
	}
	st.Available = st.AvailabilityRatio > 0
	st.Retrievable = reachable.Retrievable()

	st.Policy = rec.Policy
	st.RequestedPolicy = rec.RequestedPolicy
	st.Layout = rec.Layout
	st.Assignments = rec.Assignments
	st.Metadata = rec.Metadata
	st.Tags = rec.Tags
	st.CreatedAt = rec.CreatedAt
	st.LastAccessAt = rec.LastAccessAt
	st.LastVerified = rec.LastVerified

	st.Success = true
	st.Message = fmt.Sprintf("%d of %d assignments available", live, len(rec.Assignments))
	return st, nil
}

// GetStorageStats returns the process counters and current sizes.
func (s *Service) GetStorageStats() (*Stats, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}

	counts := s.registry.Counts()
	units, bytes, err := s.cfg.UnitStore.Usage(context.Background())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read local unit usage")
	}

	return &Stats{
		BytesStored:     s.bytesStored.Load(),
		BytesRetrieved:  s.bytesRetrieved.Load(),
		ReplicationOps:  s.replicationOps.Load(),
		VerificationOps: s.verificationOps.Load(),
		FailedOps:       s.failedOps.Load(),
		Records:         s.table.Len(),
		Nodes:           s.registry.Len(),
		OnlineNodes:     counts[node.StatusOnline],
		LocalUnits:      units,
		LocalBytes:      bytes,
	}, nil
}

// ListData returns the sorted ids of stored objects carrying every tag.
func (s *Service) ListData(tags ...string) ([]string, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	if len(tags) == 0 {
		return s.table.IDs(), nil
	}
	return s.table.Find(tags), nil
}

// MetricsSnapshot implements metrics.Source.
func (s *Service) MetricsSnapshot() metrics.Snapshot {
	if !s.ready() {
		return metrics.Snapshot{}
	}

	snap := metrics.Snapshot{
		BytesStored:     s.bytesStored.Load(),
		BytesRetrieved:  s.bytesRetrieved.Load(),
		ReplicationOps:  s.replicationOps.Load(),
		VerificationOps: s.verificationOps.Load(),
		FailedOps:       s.failedOps.Load(),
		Records:         s.table.Len(),
		NodesByState:    make(map[string]int),
		NodeUsage:       make(map[string]float64),
	}
	for status, n := range s.registry.Counts() {
		snap.NodesByState[string(status)] = n
	}
	for _, n := range s.registry.List() {
		snap.NodeUsage[n.ID] = n.UsageRatio()
	}
	return snap
}
