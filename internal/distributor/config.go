package distributor

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/objectmesh/internal/metrics"
	"github.com/tunnelmesh/objectmesh/internal/policy"
	"github.com/tunnelmesh/objectmesh/internal/reconcile"
	"github.com/tunnelmesh/objectmesh/internal/security"
	"github.com/tunnelmesh/objectmesh/internal/transport"
	"github.com/tunnelmesh/objectmesh/internal/unitstore"
)

// Defaults applied by DefaultConfig and, for fields where zero is not a
// usable value, by Initialize.
const (
	DefaultMinReplicaCount      = 3
	DefaultShardSize            = 1 << 20
	DefaultErasureCodeRatio     = 0.7
	DefaultSyncInterval         = 60 * time.Second
	DefaultVerificationInterval = time.Hour
	DefaultNodeTimeout          = 10 * time.Second
	DefaultLatencyTTL           = 5 * time.Minute
)

// Config is the parsed runtime configuration consumed by Initialize.
type Config struct {
	// LocalNodeID identifies this process as a storage node. Units placed
	// on it go to UnitStore instead of Transport. Empty means a random id.
	LocalNodeID string
	// MaxStorageNodes caps the node registry. 0 means unlimited.
	MaxStorageNodes int
	// MinReplicaCount is the default replica count for stores.
	MinReplicaCount int
	// DefaultPolicy is used when a store does not name one.
	DefaultPolicy policy.Policy
	// ShardSize is the chunk size of the sharded policy in bytes.
	ShardSize int
	// ErasureCodeRatio is the target data/(data+parity) ratio.
	ErasureCodeRatio float64

	// SyncInterval and VerificationInterval pace the reconciliation
	// loops. 0 disables a loop.
	SyncInterval            time.Duration
	VerificationInterval    time.Duration
	DataVerificationEnabled bool
	// VerificationRate caps verification fetches per second. 0 = unlimited.
	VerificationRate float64

	// NodeTimeout bounds every per-node call.
	NodeTimeout time.Duration
	// LatencyTTL is how long a node latency sample is trusted.
	LatencyTTL time.Duration

	Transport   transport.Transport // required
	Prober      reconcile.Prober    // nil: use Transport if it can probe
	UnitStore   unitstore.Store     // nil: in-memory
	Cipher      security.Cipher     // nil: encryption unavailable
	Specialized policy.Transform    // nil: identity
	Metrics     *metrics.Metrics    // optional
	Clock       clockwork.Clock     // nil: real clock
	Logger      zerolog.Logger
}

// DefaultConfig returns a Config with every documented default set.
func DefaultConfig() Config {
	return Config{
		MinReplicaCount:         DefaultMinReplicaCount,
		DefaultPolicy:           policy.Redundant,
		ShardSize:               DefaultShardSize,
		ErasureCodeRatio:        DefaultErasureCodeRatio,
		SyncInterval:            DefaultSyncInterval,
		VerificationInterval:    DefaultVerificationInterval,
		DataVerificationEnabled: true,
		NodeTimeout:             DefaultNodeTimeout,
		LatencyTTL:              DefaultLatencyTTL,
		Logger:                  zerolog.Nop(),
	}
}

func (c *Config) applyDefaults() {
	if c.MinReplicaCount <= 0 {
		c.MinReplicaCount = DefaultMinReplicaCount
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = policy.Redundant
	}
	if c.ShardSize <= 0 {
		c.ShardSize = DefaultShardSize
	}
	if c.ErasureCodeRatio == 0 {
		c.ErasureCodeRatio = DefaultErasureCodeRatio
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.LatencyTTL <= 0 {
		c.LatencyTTL = DefaultLatencyTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.UnitStore == nil {
		c.UnitStore = unitstore.NewMemory()
	}
}
