// Package distributor places objects on storage nodes, reads them back and
// removes them. It owns the node registry, the location table and the
// reconciliation scheduler, and is the public surface of objectmesh.
package distributor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/placement"
	"github.com/tunnelmesh/objectmesh/internal/policy"
	"github.com/tunnelmesh/objectmesh/internal/reconcile"
	"github.com/tunnelmesh/objectmesh/internal/security"
)

// Service is the object distribution core. The zero value is uninitialized;
// every operation on it returns ErrNotInitialized until Initialize succeeds.
type Service struct {
	initMu      sync.Mutex
	initialized atomic.Bool

	cfg        Config
	logger     zerolog.Logger
	clock      clockwork.Clock
	registry   *node.Registry
	table      *location.Table
	selector   *placement.Selector
	engine     *policy.Engine
	bus        *events.Bus
	router     *router
	compressor *security.Compressor
	hash       func([]byte) string
	latency    *ttlcache.Cache[string, time.Duration]
	scheduler  *reconcile.Scheduler

	bytesStored     atomic.Uint64
	bytesRetrieved  atomic.Uint64
	replicationOps  atomic.Uint64
	verificationOps atomic.Uint64
	failedOps       atomic.Uint64
}

// New returns an uninitialized service.
func New() *Service {
	return &Service{}
}

// Initialize wires the service from cfg and starts the reconciliation loops.
// It fails if the service is already initialized or cfg is unusable.
func (s *Service) Initialize(ctx context.Context, cfg Config) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized.Load() {
		return opError(ErrInvalidArgument, "initialize", "", nil, fmt.Errorf("already initialized"))
	}
	if cfg.Transport == nil {
		return opError(ErrInvalidArgument, "initialize", "", nil, fmt.Errorf("transport is required"))
	}
	if cfg.ErasureCodeRatio < 0 || cfg.ErasureCodeRatio >= 1 {
		return opError(ErrInvalidArgument, "initialize", "", nil,
			fmt.Errorf("erasure code ratio must be in (0,1), got %v", cfg.ErasureCodeRatio))
	}
	if cfg.MaxStorageNodes < 0 {
		return opError(ErrInvalidArgument, "initialize", "", nil, fmt.Errorf("max storage nodes must not be negative"))
	}
	cfg.applyDefaults()
	if cfg.LocalNodeID == "" {
		cfg.LocalNodeID = uuid.NewString()
	}

	s.cfg = cfg
	s.clock = cfg.Clock
	s.logger = cfg.Logger.With().Str("component", "distributor").Str("local_node", cfg.LocalNodeID).Logger()
	s.registry = node.NewRegistry(cfg.MaxStorageNodes, cfg.Clock)
	s.table = location.NewTable()
	s.selector = placement.NewSelector(s.registry)
	s.engine = policy.NewEngine(cfg.Specialized)
	s.bus = events.NewBus(events.DefaultNames, cfg.Logger)
	s.compressor = security.NewCompressor()
	s.router = &router{
		localID:   cfg.LocalNodeID,
		local:     cfg.UnitStore,
		transport: cfg.Transport,
		timeout:   cfg.NodeTimeout,
	}

	s.hash = security.ContentHash
	if cfg.Cipher != nil {
		s.hash = cfg.Cipher.Hash
	}

	s.latency = ttlcache.New[string, time.Duration](
		ttlcache.WithTTL[string, time.Duration](cfg.LatencyTTL),
		ttlcache.WithDisableTouchOnHit[string, time.Duration](),
	)
	go s.latency.Start()

	var prober reconcile.Prober
	next := cfg.Prober
	if next == nil {
		next, _ = cfg.Transport.(reconcile.Prober)
	}
	if next != nil {
		prober = localProber{r: s.router, next: next}
	}
	s.scheduler = reconcile.New(reconcile.Config{
		Registry:       s.registry,
		Table:          s.table,
		Fetcher:        s.router,
		Prober:         prober,
		Bus:            s.bus,
		Hash:           s.hash,
		Metrics:        cfg.Metrics,
		SyncInterval:   cfg.SyncInterval,
		VerifyInterval: cfg.VerificationInterval,
		VerifyEnabled:  cfg.DataVerificationEnabled,
		VerifyRate:     cfg.VerificationRate,
		ProbeTimeout:   cfg.NodeTimeout,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
		OnVerified: func(verified, _ int) {
			s.verificationOps.Add(uint64(verified))
		},
	})
	s.scheduler.Start(context.WithoutCancel(ctx))

	s.initialized.Store(true)
	s.logger.Info().
		Str("default_policy", string(cfg.DefaultPolicy)).
		Int("min_replicas", cfg.MinReplicaCount).
		Msg("Distributor initialized")
	return nil
}

// Close stops the reconciliation loops and releases the local unit store.
// The service is uninitialized afterwards.
func (s *Service) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if !s.initialized.Swap(false) {
		return nil
	}
	s.scheduler.Stop()
	s.latency.Stop()
	if err := s.cfg.UnitStore.Close(); err != nil {
		return fmt.Errorf("close unit store: %w", err)
	}
	s.logger.Info().Msg("Distributor closed")
	return nil
}

func (s *Service) ready() bool {
	return s.initialized.Load()
}

// LocalNodeID returns the id this process uses as a storage node.
func (s *Service) LocalNodeID() (string, error) {
	if !s.ready() {
		return "", ErrNotInitialized
	}
	return s.cfg.LocalNodeID, nil
}

// AddEventListener subscribes handler to one of the fixed event names.
func (s *Service) AddEventListener(name string, handler events.Handler) (events.SubscriptionID, error) {
	if !s.ready() {
		return 0, ErrNotInitialized
	}

	id, err := s.bus.Subscribe(name, handler)
	if err != nil {
		return 0, opError(ErrInvalidArgument, "subscribe", "", nil, err)
	}
	return id, nil
}

// RemoveEventListener drops a subscription. It reports whether one existed.
func (s *Service) RemoveEventListener(name string, id events.SubscriptionID) (bool, error) {
	if !s.ready() {
		return false, ErrNotInitialized
	}
	return s.bus.Unsubscribe(name, id), nil
}

// Synchronize runs one synchronization pass now.
func (s *Service) Synchronize(ctx context.Context) (reconcile.SyncReport, error) {
	if !s.ready() {
		return reconcile.SyncReport{}, ErrNotInitialized
	}
	return s.scheduler.RunSync(ctx), nil
}

// Verify runs one verification pass now.
func (s *Service) Verify(ctx context.Context) (reconcile.VerifyReport, error) {
	if !s.ready() {
		return reconcile.VerifyReport{}, ErrNotInitialized
	}
	return s.scheduler.RunVerify(ctx), nil
}

// fail records a terminal failure and announces it.
func (s *Service) fail(ctx context.Context, err *OpError) {
	s.failedOps.Add(1)
	kind := kindNames[err.Kind]
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FailedOpsByKind.WithLabelValues(err.Op, kind).Inc()
	}
	s.logger.Debug().Err(err).Str("op", err.Op).Str("data_id", err.DataID).Msg("Operation failed")
	s.bus.Publish(ctx, events.OperationFailed, events.FailurePayload{
		Op:     err.Op,
		DataID: err.DataID,
		Kind:   kind,
		Err:    err.Error(),
	})
}
