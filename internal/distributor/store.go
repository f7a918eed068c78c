package distributor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/placement"
	"github.com/tunnelmesh/objectmesh/internal/policy"
)

// StoreData transforms payload under the effective policy, places its units
// on nodes and records where they went. The record is kept even when some
// units could not be stored; that is reported as ErrPartialFailure.
func (s *Service) StoreData(ctx context.Context, dataID string, payload []byte, opts StoreOptions) (*StoreResult, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}

	res := &StoreResult{DataID: dataID, Size: len(payload)}
	fail := func(err *OpError) (*StoreResult, error) {
		s.fail(ctx, err)
		res.Result = failure(err)
		return res, err
	}

	if dataID == "" {
		return fail(opError(ErrInvalidArgument, "store", dataID, nil, fmt.Errorf("data id cannot be empty")))
	}
	if opts.ReplicaCount < 0 {
		return fail(opError(ErrInvalidArgument, "store", dataID, nil, fmt.Errorf("replica count must not be negative")))
	}
	if opts.Encrypt && s.cfg.Cipher == nil {
		return fail(opError(ErrInvalidArgument, "store", dataID, nil, fmt.Errorf("encryption requested but no cipher configured")))
	}
	requested := s.cfg.DefaultPolicy
	if opts.Policy != "" {
		p, err := policy.Parse(string(opts.Policy))
		if err != nil {
			return fail(opError(ErrInvalidArgument, "store", dataID, nil, err))
		}
		requested = p
	}

	unlock := s.table.Lock(dataID)
	announced, opErr := s.place(ctx, dataID, payload, requested, opts, res)
	unlock()

	// Handlers run once the key is released so they may act on dataID.
	if announced != nil {
		s.bus.Publish(ctx, events.DataStored, *announced)
	}
	if opErr != nil {
		return fail(opErr)
	}

	s.bytesStored.Add(uint64(len(payload)))
	res.Success = true
	res.Message = fmt.Sprintf("stored %d bytes as %s on %d nodes", len(payload), res.Layout, len(res.Nodes))
	s.logger.Debug().
		Str("data_id", dataID).
		Str("layout", res.Layout.String()).
		Strs("nodes", res.Nodes).
		Msg("Data stored")
	return res, nil
}

// place is the part of a store that runs under the data id's lock: it
// records the object and fans its units out. Once a record exists the
// DataStored payload is returned, even alongside a partial failure.
func (s *Service) place(ctx context.Context, dataID string, payload []byte, requested policy.Policy, opts StoreOptions, res *StoreResult) (*events.DataStoredPayload, *OpError) {
	if s.table.Exists(dataID) {
		return nil, opError(ErrInvalidArgument, "store", dataID, nil, fmt.Errorf("already stored"))
	}

	capable := len(s.registry.ListOnline(node.WithCapability(node.CapabilitySpecialized))) > 0
	effective := policy.Effective(requested, opts.Eligible, capable)
	if effective != requested {
		s.logger.Debug().
			Str("data_id", dataID).
			Str("requested", string(requested)).
			Str("effective", string(effective)).
			Msg("Policy degraded")
	}
	res.Policy, res.RequestedPolicy = effective, requested

	data := payload
	if opts.Compress {
		data = s.compressor.Compress(data)
	}
	if opts.Encrypt {
		sealed, err := s.cfg.Cipher.Encrypt(dataID, data)
		if err != nil {
			return nil, opError(ErrInvalidArgument, "store", dataID, nil, err)
		}
		data = sealed
	}

	replicas := opts.ReplicaCount
	if replicas == 0 {
		replicas = s.cfg.MinReplicaCount
	}
	shardSize := opts.ShardSize
	if shardSize == 0 {
		shardSize = s.cfg.ShardSize
	}
	layout, units, err := s.engine.Prepare(data, effective, policy.Options{
		ShardSize:    shardSize,
		ErasureRatio: s.cfg.ErasureCodeRatio,
		TotalBlocks:  replicas,
		DataBlocks:   opts.DataBlocks,
		ParityBlocks: opts.ParityBlocks,
	})
	if err != nil {
		return nil, opError(ErrInvalidArgument, "store", dataID, nil, err)
	}
	res.Layout = layout

	// One node per unit; copies beyond one only when replicas exceed units.
	copies := (replicas + len(units) - 1) / len(units)
	var largest int
	for _, u := range units {
		largest = max(largest, len(u.Data))
	}
	selOpts := placement.Options{MinFreeBytes: int64(largest)}
	if effective == policy.SpecializedShared {
		selOpts.RequireCapability = node.CapabilitySpecialized
	}
	nodes, err := s.selector.Select(len(units)*copies, selOpts)
	if errors.Is(err, placement.ErrNoAvailableNodes) {
		return nil, opError(ErrNoAvailableNodes, "store", dataID, nil, err)
	}
	if err != nil {
		return nil, opError(ErrInvalidArgument, "store", dataID, nil, err)
	}
	if len(nodes) < len(units)*copies {
		s.logger.Warn().
			Str("data_id", dataID).
			Int("wanted", len(units)*copies).
			Int("selected", len(nodes)).
			Msg("Fewer nodes than requested, placement is degraded")
	}

	now := s.clock.Now()
	rec := location.Record{
		DataID:          dataID,
		Policy:          effective,
		RequestedPolicy: requested,
		Layout:          layout,
		Checksums:       make([]string, len(units)),
		Encrypted:       opts.Encrypt,
		Compressed:      opts.Compress,
		Metadata:        opts.Metadata,
		Tags:            opts.Tags,
		CreatedAt:       now,
		LastAccessAt:    now,
	}
	for _, u := range units {
		rec.Checksums[u.Index] = s.hash(u.Data)
	}
	for i, holders := range placement.Spread(nodes, len(units), copies) {
		for _, id := range holders {
			rec.Assignments = append(rec.Assignments, location.Assignment{
				NodeID:    id,
				UnitIndex: i,
				Status:    location.StatusPending,
				Size:      len(units[i].Data),
				UpdatedAt: now,
			})
		}
	}
	if err := s.table.Create(rec); err != nil {
		return nil, opError(ErrInvalidArgument, "store", dataID, nil, err)
	}

	outcomes := s.sendAll(ctx, dataID, rec.Assignments, units, opts)
	stored := s.commitStore(dataID, outcomes)

	succeeded, failed := map[string]bool{}, map[string]bool{}
	for i, a := range rec.Assignments {
		if outcomes[i] == nil {
			succeeded[a.NodeID] = true
			s.registry.AdjustUsed(a.NodeID, int64(a.Size))
		} else {
			failed[a.NodeID] = true
			s.logger.Debug().Err(outcomes[i]).
				Str("data_id", dataID).
				Str("node", a.NodeID).
				Int("unit", a.UnitIndex).
				Msg("Unit store failed")
		}
	}
	res.Nodes = sortedKeys(succeeded)
	res.FailedNodes = sortedKeys(failed)
	s.replicationOps.Add(uint64(countNil(outcomes)))

	announced := &events.DataStoredPayload{
		DataID:      dataID,
		Policy:      string(effective),
		Size:        len(payload),
		NodeCount:   len(res.Nodes),
		FailedNodes: res.FailedNodes,
	}
	if missing := missingIndexes(stored, layout.Units); len(missing) > 0 {
		return announced, opError(ErrPartialFailure, "store", dataID, res.FailedNodes,
			fmt.Errorf("units %v not stored on any node", missing))
	}
	return announced, nil
}

// sendAll stores every assignment's unit concurrently. The returned slice is
// parallel to assignments; nil means stored.
func (s *Service) sendAll(ctx context.Context, dataID string, assignments []location.Assignment, units []policy.Unit, opts StoreOptions) []error {
	outcomes := make([]error, len(assignments))
	var g errgroup.Group
	for i, a := range assignments {
		g.Go(func() error {
			outcomes[i] = s.router.send(ctx, a.NodeID, dataID, a.UnitIndex, units[a.UnitIndex].Data, opts.NodeTimeout)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// commitStore applies fan-out outcomes to the record in one update and
// returns the unit indexes that now have an available copy.
func (s *Service) commitStore(dataID string, outcomes []error) map[int]bool {
	stored := make(map[int]bool)
	now := s.clock.Now()
	_ = s.table.Update(dataID, func(r *location.Record) {
		for i := range r.Assignments {
			a := &r.Assignments[i]
			if outcomes[i] == nil {
				a.Status = location.StatusAvailable
				stored[a.UnitIndex] = true
			} else {
				a.Status = location.StatusFailed
			}
			a.UpdatedAt = now
		}
	})
	return stored
}

func missingIndexes(present map[int]bool, units int) []int {
	var missing []int
	for i := 0; i < units; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func countNil(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}
