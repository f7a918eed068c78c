package reconcile

import (
	"context"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/node"
)

// SyncReport summarizes one synchronization pass.
type SyncReport struct {
	Nodes   int
	Online  int
	Offline int
	Changed []string // nodes whose status changed
}

// RunSync probes every registered node once. A node that answers has its
// attributes refreshed and is marked online; a node that does not is marked
// offline.
func (s *Scheduler) RunSync(ctx context.Context) SyncReport {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	nodes := s.cfg.Registry.List()
	s.publish(ctx, events.SyncStarted, events.SyncPayload{Nodes: len(nodes)})

	report := SyncReport{Nodes: len(nodes)}
	for _, n := range nodes {
		if ctx.Err() != nil {
			break
		}
		if s.cfg.Prober == nil {
			continue
		}

		attrs, err := s.probe(ctx, n.ID)
		var changed bool
		if err != nil {
			s.logger.Debug().Err(err).Str("node", n.ID).Msg("Probe failed")
			changed, _ = s.cfg.Registry.MarkOffline(n.ID)
		} else {
			// a probe never overrides an operator-set degraded status
			attrs.Status = ""
			if _, _, err := s.cfg.Registry.AddOrUpdate(n.ID, attrs); err != nil {
				s.logger.Warn().Err(err).Str("node", n.ID).Msg("Failed to apply probe result")
			}
			if n.Status == node.StatusOffline {
				changed, _ = s.cfg.Registry.MarkOnline(n.ID)
			}
		}

		if changed {
			report.Changed = append(report.Changed, n.ID)
			cur, _ := s.cfg.Registry.Get(n.ID)
			s.logger.Info().Str("node", n.ID).Str("status", string(cur.Status)).Msg("Node status changed")
			s.publish(ctx, events.NodeStatusChanged, events.NodePayload{NodeID: n.ID, Status: string(cur.Status)})
		}
	}

	counts := s.cfg.Registry.Counts()
	report.Online = counts[node.StatusOnline] + counts[node.StatusDegraded]
	report.Offline = counts[node.StatusOffline]

	s.syncRuns.Add(1)
	s.publish(ctx, events.SyncCompleted, events.SyncPayload{
		Nodes:   report.Nodes,
		Online:  report.Online,
		Offline: report.Offline,
	})
	return report
}

func (s *Scheduler) probe(ctx context.Context, nodeID string) (node.Attrs, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	return s.cfg.Prober.Probe(ctx, nodeID)
}

func (s *Scheduler) publish(ctx context.Context, name string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(ctx, name, payload)
	}
}
