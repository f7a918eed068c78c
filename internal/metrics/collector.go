package metrics

import (
	"context"
	"time"
)

// Snapshot is a point-in-time view of the distributor's statistics.
type Snapshot struct {
	BytesStored     uint64
	BytesRetrieved  uint64
	ReplicationOps  uint64
	VerificationOps uint64
	FailedOps       uint64

	Records      int
	NodesByState map[string]int
	NodeUsage    map[string]float64 // node id -> used/capacity
}

// Source provides statistics snapshots.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector copies Source snapshots into the Prometheus metrics. Counters are
// advanced by the delta since the previous snapshot.
type Collector struct {
	metrics *Metrics
	source  Source

	last Snapshot
}

// NewCollector creates a collector.
func NewCollector(m *Metrics, source Source) *Collector {
	return &Collector{metrics: m, source: source}
}

// Collect updates all metrics from the current snapshot.
func (c *Collector) Collect() {
	s := c.source.MetricsSnapshot()

	addDelta(c.metrics.BytesStored.Add, s.BytesStored, c.last.BytesStored)
	addDelta(c.metrics.BytesRetrieved.Add, s.BytesRetrieved, c.last.BytesRetrieved)
	addDelta(c.metrics.ReplicationOps.Add, s.ReplicationOps, c.last.ReplicationOps)
	addDelta(c.metrics.VerificationOps.Add, s.VerificationOps, c.last.VerificationOps)
	addDelta(c.metrics.FailedOps.Add, s.FailedOps, c.last.FailedOps)

	c.metrics.Records.Set(float64(s.Records))

	c.metrics.Nodes.Reset()
	for state, n := range s.NodesByState {
		c.metrics.Nodes.WithLabelValues(state).Set(float64(n))
	}
	for id, ratio := range s.NodeUsage {
		c.metrics.NodeUsedPct.WithLabelValues(id).Set(ratio * 100)
	}

	c.last = s
}

// Run collects every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

func addDelta(add func(float64), cur, prev uint64) {
	if cur > prev {
		add(float64(cur - prev))
	}
}
