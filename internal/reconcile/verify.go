package reconcile

import (
	"context"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
)

// VerifyReport summarizes one verification pass.
type VerifyReport struct {
	Records  int
	Verified int // assignments confirmed present and intact
	Failed   int // assignments missing, unreachable or corrupt
}

// RunVerify fetches every assigned unit back from its node and compares it
// with the checksum recorded at store time. Intact assignments become
// available and are stamped; anything else becomes failed. Nothing is
// re-replicated.
func (s *Scheduler) RunVerify(ctx context.Context) VerifyReport {
	s.verifyMu.Lock()
	defer s.verifyMu.Unlock()

	ids := s.cfg.Table.IDs()
	s.publish(ctx, events.VerificationStarted, events.VerificationPayload{Records: len(ids)})

	var report VerifyReport
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		verified, failed, ok := s.verifyRecord(ctx, id)
		if !ok {
			continue
		}
		report.Records++
		report.Verified += verified
		report.Failed += failed
	}

	s.verifyRuns.Add(1)
	if s.cfg.OnVerified != nil {
		s.cfg.OnVerified(report.Verified, report.Failed)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UnitsVerifiedFail.Add(float64(report.Failed))
	}

	s.logger.Debug().
		Int("records", report.Records).
		Int("verified", report.Verified).
		Int("failed", report.Failed).
		Msg("Verification pass complete")
	s.publish(ctx, events.VerificationCompleted, events.VerificationPayload{
		Records:  report.Records,
		Verified: report.Verified,
		Failed:   report.Failed,
	})
	return report
}

// verifyRecord checks one record under its data id lock. It reports false if
// the record disappeared before it could be checked.
func (s *Scheduler) verifyRecord(ctx context.Context, dataID string) (int, int, bool) {
	unlock := s.cfg.Table.Lock(dataID)
	defer unlock()

	rec, ok := s.cfg.Table.Get(dataID)
	if !ok {
		return 0, 0, false
	}

	results := make([]bool, len(rec.Assignments))
	for i, a := range rec.Assignments {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, 0, false
		}
		results[i] = s.unitIntact(ctx, rec, a)
	}

	now := s.cfg.Clock.Now()
	verified, failed := 0, 0
	err := s.cfg.Table.Update(dataID, func(r *location.Record) {
		for i := range r.Assignments {
			if i >= len(results) {
				break
			}
			a := &r.Assignments[i]
			if results[i] {
				a.Status = location.StatusAvailable
				a.LastVerified = now
				verified++
			} else {
				if a.Status != location.StatusFailed {
					s.logger.Warn().
						Str("data_id", dataID).
						Str("node", a.NodeID).
						Int("unit", a.UnitIndex).
						Msg("Unit failed verification")
				}
				a.Status = location.StatusFailed
				failed++
			}
			a.UpdatedAt = now
		}
		r.LastVerified = now
	})
	if err != nil {
		return 0, 0, false
	}
	return verified, failed, true
}

func (s *Scheduler) unitIntact(ctx context.Context, rec location.Record, a location.Assignment) bool {
	data, err := s.cfg.Fetcher.FetchUnit(ctx, a.NodeID, rec.DataID, a.UnitIndex)
	if err != nil {
		return false
	}
	if s.cfg.Hash == nil || a.UnitIndex >= len(rec.Checksums) {
		return true
	}
	return s.cfg.Hash(data) == rec.Checksums[a.UnitIndex]
}
