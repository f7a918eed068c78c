// Package reconcile runs the periodic synchronization and verification
// passes over the node registry and location table.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/metrics"
	"github.com/tunnelmesh/objectmesh/internal/node"
)

// Prober asks a node for its liveness and current attributes.
type Prober interface {
	Probe(ctx context.Context, nodeID string) (node.Attrs, error)
}

// UnitFetcher reads one unit back from the node holding it.
type UnitFetcher interface {
	FetchUnit(ctx context.Context, nodeID, dataID string, index int) ([]byte, error)
}

// Config wires a Scheduler.
type Config struct {
	Registry *node.Registry
	Table    *location.Table
	Fetcher  UnitFetcher
	Prober   Prober // nil: sync only announces itself
	Bus      *events.Bus
	Hash     func([]byte) string
	Metrics  *metrics.Metrics // optional

	SyncInterval   time.Duration // 0 disables the sync loop
	VerifyInterval time.Duration // 0 disables the verify loop
	VerifyEnabled  bool
	VerifyRate     float64 // fetches per second, 0 = unlimited
	ProbeTimeout   time.Duration

	Clock  clockwork.Clock
	Logger zerolog.Logger

	// OnVerified is called after every verification pass with the number of
	// assignments found intact and found failed.
	OnVerified func(verified, failed int)
}

// Scheduler owns the sync and verify loops. Each loop waits its interval,
// runs one pass, and only then starts waiting again, so a slow pass never
// overlaps the next one.
type Scheduler struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	// serialize manual and scheduled passes of the same kind
	syncMu   sync.Mutex
	verifyMu sync.Mutex

	syncRuns   atomic.Uint64
	verifyRuns atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.VerifyRate > 0 {
		limit = rate.Limit(cfg.VerifyRate)
		burst = max(1, int(cfg.VerifyRate))
	}

	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "reconcile").Logger(),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Start launches the enabled loops. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	if s.cfg.SyncInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "sync", s.cfg.SyncInterval, func(ctx context.Context) { s.RunSync(ctx) })
	}
	if s.cfg.VerifyEnabled && s.cfg.VerifyInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "verify", s.cfg.VerifyInterval, func(ctx context.Context) { s.RunVerify(ctx) })
	}

	s.logger.Info().
		Dur("sync_interval", s.cfg.SyncInterval).
		Dur("verify_interval", s.cfg.VerifyInterval).
		Bool("verify_enabled", s.cfg.VerifyEnabled).
		Msg("Reconciliation started")
}

// Stop cancels the loops and waits for any pass in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Reconciliation stopped")
}

// Runs returns how many sync and verify passes have completed.
func (s *Scheduler) Runs() (syncs, verifies uint64) {
	return s.syncRuns.Load(), s.verifyRuns.Load()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context)) {
	defer s.wg.Done()

	for {
		timer := s.cfg.Clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		start := s.cfg.Clock.Now()
		pass(ctx)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LoopDuration.WithLabelValues(name).Observe(s.cfg.Clock.Since(start).Seconds())
		}
	}
}
