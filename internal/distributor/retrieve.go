package distributor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/policy"
)

// RetrieveData reads an object back and reverses its transform.
func (s *Service) RetrieveData(ctx context.Context, dataID string, opts RetrieveOptions) (*RetrieveResult, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}

	res := &RetrieveResult{DataID: dataID}
	fail := func(err *OpError) (*RetrieveResult, error) {
		s.fail(ctx, err)
		res.Result = failure(err)
		return res, err
	}

	if dataID == "" {
		return fail(opError(ErrInvalidArgument, "retrieve", dataID, nil, fmt.Errorf("data id cannot be empty")))
	}
	rec, ok := s.table.Get(dataID)
	if !ok {
		return fail(opError(ErrNotFound, "retrieve", dataID, nil, nil))
	}

	candidates := s.candidates(rec)
	if len(candidates) == 0 {
		return fail(opError(ErrUnavailable, "retrieve", dataID, nil, fmt.Errorf("no available assignment on a serving node")))
	}

	f := &fetcher{s: s, rec: rec, candidates: candidates, opts: opts, units: map[int][]byte{}}
	switch rec.Layout.Policy {
	case policy.ErasureCoded:
		f.fetchErasure(ctx)
	case policy.Sharded:
		f.fetchIndexes(ctx, seq(0, rec.Layout.Units))
	default:
		f.fetchIndexes(ctx, []int{0})
	}

	units := make([]policy.Unit, 0, len(f.units))
	for idx, data := range f.units {
		units = append(units, policy.Unit{Index: idx, Data: data})
	}
	data, err := s.engine.Reverse(units, rec.Layout)
	if err != nil {
		return fail(opError(ErrIncomplete, "retrieve", dataID, f.failedNodes(), err))
	}
	if rec.Encrypted {
		if s.cfg.Cipher == nil {
			return fail(opError(ErrIncomplete, "retrieve", dataID, nil, fmt.Errorf("object is encrypted and no cipher is configured")))
		}
		if data, err = s.cfg.Cipher.Decrypt(dataID, data); err != nil {
			return fail(opError(ErrIncomplete, "retrieve", dataID, nil, err))
		}
	}
	if rec.Compressed {
		if data, err = s.compressor.Decompress(data); err != nil {
			return fail(opError(ErrIncomplete, "retrieve", dataID, nil, err))
		}
	}

	now := s.clock.Now()
	_ = s.table.Update(dataID, func(r *location.Record) { r.LastAccessAt = now })
	s.bytesRetrieved.Add(uint64(len(data)))

	res.Success = true
	res.Data = data
	res.Size = len(data)
	res.Nodes = f.usedNodes()
	res.Metadata = rec.Metadata
	res.Message = fmt.Sprintf("retrieved %d bytes from %d nodes", len(data), len(res.Nodes))

	s.bus.Publish(ctx, events.DataRetrieved, events.DataRetrievedPayload{
		DataID: dataID,
		Size:   len(data),
		Nodes:  res.Nodes,
	})
	return res, nil
}

// candidates groups the available assignments on serving nodes by unit
// index, each group ordered by latency estimate then node id.
func (s *Service) candidates(rec location.Record) map[int][]string {
	out := make(map[int][]string)
	for _, a := range rec.Assignments {
		if a.Status != location.StatusAvailable {
			continue
		}
		n, ok := s.registry.Get(a.NodeID)
		if !ok || !n.Serving() {
			continue
		}
		out[a.UnitIndex] = append(out[a.UnitIndex], a.NodeID)
	}
	for idx, ids := range out {
		sort.SliceStable(ids, func(i, j int) bool {
			li, lj := s.latencyOf(ids[i]), s.latencyOf(ids[j])
			if li != lj {
				return li < lj
			}
			return ids[i] < ids[j]
		})
		out[idx] = ids
	}
	return out
}

// latencyOf returns the node's recent latency, or 0 when unknown.
func (s *Service) latencyOf(nodeID string) time.Duration {
	if item := s.latency.Get(nodeID); item != nil {
		return item.Value()
	}
	return 0
}

func (s *Service) observeLatency(nodeID string, d time.Duration) {
	s.latency.Set(nodeID, d, ttlcache.DefaultTTL)
}

// fetcher collects the units of one retrieval.
type fetcher struct {
	s          *Service
	rec        location.Record
	candidates map[int][]string
	opts       RetrieveOptions

	mu     sync.Mutex
	units  map[int][]byte
	used   map[string]bool
	failed map[string]bool
}

// fetchErasure reads the data blocks first and falls back to parity blocks
// only for as many data blocks as are missing.
func (f *fetcher) fetchErasure(ctx context.Context) {
	m := f.rec.Layout.DataBlocks
	f.fetchIndexes(ctx, seq(0, m))

	parity := seq(m, f.rec.Layout.Units)
	for len(f.units) < m && len(parity) > 0 && ctx.Err() == nil {
		n := min(m-len(f.units), len(parity))
		f.fetchIndexes(ctx, parity[:n])
		parity = parity[n:]
	}
}

// fetchIndexes reads the given unit indexes concurrently. Each index tries
// its candidates in order until one returns an intact unit.
func (f *fetcher) fetchIndexes(ctx context.Context, indexes []int) {
	var g errgroup.Group
	for _, idx := range indexes {
		nodes := f.candidates[idx]
		if len(nodes) == 0 {
			continue
		}
		g.Go(func() error {
			for _, nodeID := range nodes {
				if ctx.Err() != nil {
					return nil
				}
				if data, ok := f.fetchOne(ctx, nodeID, idx); ok {
					f.mu.Lock()
					f.units[idx] = data
					f.mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (f *fetcher) fetchOne(ctx context.Context, nodeID string, idx int) ([]byte, bool) {
	s := f.s
	start := s.clock.Now()
	data, err := s.router.fetch(ctx, nodeID, f.rec.DataID, idx, f.opts.NodeTimeout)
	elapsed := s.clock.Since(start)

	if err == nil && !f.opts.SkipChecksum && idx < len(f.rec.Checksums) && s.hash(data) != f.rec.Checksums[idx] {
		err = fmt.Errorf("checksum mismatch")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		if f.failed == nil {
			f.failed = map[string]bool{}
		}
		f.failed[nodeID] = true
		// push failing nodes to the back of future orderings
		s.observeLatency(nodeID, max(elapsed, s.cfg.NodeTimeout))
		s.logger.Debug().Err(err).
			Str("data_id", f.rec.DataID).
			Str("node", nodeID).
			Int("unit", idx).
			Msg("Unit fetch failed")
		return nil, false
	}
	if f.used == nil {
		f.used = map[string]bool{}
	}
	f.used[nodeID] = true
	s.observeLatency(nodeID, elapsed)
	return data, true
}

func (f *fetcher) usedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.used)
}

func (f *fetcher) failedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.failed)
}

func seq(from, to int) []int {
	out := make([]int, 0, max(0, to-from))
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}
