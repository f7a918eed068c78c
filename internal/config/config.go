// Package config loads the YAML configuration of an objectmesh process.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/objectmesh/internal/distributor"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/policy"
	"github.com/tunnelmesh/objectmesh/internal/security"
	"github.com/tunnelmesh/objectmesh/pkg/bytesize"
)

// UnitStoreConfig selects where units placed on the local node are kept.
type UnitStoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory badger"`
	Dir     string `yaml:"dir" validate:"required_if=Backend badger"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"` // empty disables /metrics
}

// ClusterConfig configures memberlist gossip.
type ClusterConfig struct {
	Bind  string   `yaml:"bind" validate:"omitempty,hostname_port"` // empty disables gossip
	Seeds []string `yaml:"seeds" validate:"dive,hostname_port"`
}

// NodeConfig is one statically known storage node.
type NodeConfig struct {
	ID           string        `yaml:"id" validate:"required"`
	Type         string        `yaml:"type" validate:"omitempty,oneof=primary replica archive specialized"`
	Status       string        `yaml:"status" validate:"omitempty,oneof=online offline degraded"`
	Capacity     bytesize.Size `yaml:"capacity"`
	Capabilities []string      `yaml:"capabilities"`
}

// Config is the file form of the process configuration.
type Config struct {
	LocalNodeID               string        `yaml:"local_node_id"`
	MaxStorageNodes           int           `yaml:"max_storage_nodes" validate:"gte=0"`
	MinReplicaCount           int           `yaml:"min_replica_count" validate:"gte=1"`
	DefaultDistributionPolicy string        `yaml:"default_distribution_policy"`
	ShardSize                 bytesize.Size `yaml:"shard_size" validate:"gt=0"`
	ErasureCodeRatio          float64       `yaml:"erasure_code_ratio" validate:"gt=0,lt=1"`
	SyncInterval              string        `yaml:"sync_interval"`         // Duration string, "0" disables
	VerificationInterval      string        `yaml:"verification_interval"` // Duration string, "0" disables
	DataVerificationEnabled   *bool         `yaml:"data_verification_enabled"`
	VerificationRate          float64       `yaml:"verification_rate" validate:"gte=0"`
	NodeTimeout               string        `yaml:"node_timeout"`
	LatencyTTL                string        `yaml:"latency_ttl"`
	EncryptionSecret          string        `yaml:"encryption_secret"` // empty disables encryption
	LogLevel                  string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	UnitStore UnitStoreConfig `yaml:"unit_store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Nodes     []NodeConfig    `yaml:"nodes" validate:"dive"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MinReplicaCount == 0 {
		c.MinReplicaCount = distributor.DefaultMinReplicaCount
	}
	if c.DefaultDistributionPolicy == "" {
		c.DefaultDistributionPolicy = string(policy.Redundant)
	}
	if c.ShardSize == 0 {
		c.ShardSize = distributor.DefaultShardSize
	}
	if c.ErasureCodeRatio == 0 {
		c.ErasureCodeRatio = distributor.DefaultErasureCodeRatio
	}
	if c.SyncInterval == "" {
		c.SyncInterval = distributor.DefaultSyncInterval.String()
	}
	if c.VerificationInterval == "" {
		c.VerificationInterval = distributor.DefaultVerificationInterval.String()
	}
	if c.DataVerificationEnabled == nil {
		enabled := true
		c.DataVerificationEnabled = &enabled
	}
	if c.NodeTimeout == "" {
		c.NodeTimeout = distributor.DefaultNodeTimeout.String()
	}
	if c.LatencyTTL == "" {
		c.LatencyTTL = distributor.DefaultLatencyTTL.String()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UnitStore.Backend == "" {
		c.UnitStore.Backend = "memory"
	}
	// Expand home directory in unit store dir
	if strings.HasPrefix(c.UnitStore.Dir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.UnitStore.Dir = filepath.Join(homeDir, c.UnitStore.Dir[2:])
		}
	}
}

// Validate checks struct constraints and the fields that need parsing.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q constraint", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if _, err := policy.Parse(c.DefaultDistributionPolicy); err != nil {
		return fmt.Errorf("invalid default_distribution_policy: %w", err)
	}
	if _, err := c.durations(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	if total := c.StorageNodeCount(); c.MaxStorageNodes > 0 && total > c.MaxStorageNodes {
		return fmt.Errorf("%d storage nodes including the local node but max_storage_nodes is %d", total, c.MaxStorageNodes)
	}
	return nil
}

// StorageNodeCount is the number of nodes a process registers at startup:
// the configured nodes plus the local node unless it is one of them.
func (c *Config) StorageNodeCount() int {
	if _, ok := c.LocalNode(); ok {
		return len(c.Nodes)
	}
	return len(c.Nodes) + 1
}

// LocalNode returns the nodes entry whose id is local_node_id.
func (c *Config) LocalNode() (NodeConfig, bool) {
	if c.LocalNodeID == "" {
		return NodeConfig{}, false
	}
	for _, n := range c.Nodes {
		if n.ID == c.LocalNodeID {
			return n, true
		}
	}
	return NodeConfig{}, false
}

type durations struct {
	sync, verification, nodeTimeout, latencyTTL time.Duration
}

func (c *Config) durations() (durations, error) {
	var d durations
	for _, f := range []struct {
		key   string
		value string
		dst   *time.Duration
		zero  bool
	}{
		{"sync_interval", c.SyncInterval, &d.sync, true},
		{"verification_interval", c.VerificationInterval, &d.verification, true},
		{"node_timeout", c.NodeTimeout, &d.nodeTimeout, false},
		{"latency_ttl", c.LatencyTTL, &d.latencyTTL, false},
	} {
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return durations{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if v < 0 || (v == 0 && !f.zero) {
			return durations{}, fmt.Errorf("invalid %s: must be positive, got %s", f.key, f.value)
		}
		*f.dst = v
	}
	return d, nil
}

// Runtime converts the file form into the distributor's runtime form. The
// collaborators it cannot describe (transport, unit store, metrics, logger)
// are left for the caller to set.
func (c *Config) Runtime() (distributor.Config, error) {
	if err := c.Validate(); err != nil {
		return distributor.Config{}, err
	}
	d, err := c.durations()
	if err != nil {
		return distributor.Config{}, err
	}
	p, err := policy.Parse(c.DefaultDistributionPolicy)
	if err != nil {
		return distributor.Config{}, err
	}

	rt := distributor.DefaultConfig()
	rt.LocalNodeID = c.LocalNodeID
	rt.MaxStorageNodes = c.MaxStorageNodes
	rt.MinReplicaCount = c.MinReplicaCount
	rt.DefaultPolicy = p
	rt.ShardSize = int(c.ShardSize.Bytes())
	rt.ErasureCodeRatio = c.ErasureCodeRatio
	rt.SyncInterval = d.sync
	rt.VerificationInterval = d.verification
	rt.DataVerificationEnabled = *c.DataVerificationEnabled
	rt.VerificationRate = c.VerificationRate
	rt.NodeTimeout = d.nodeTimeout
	rt.LatencyTTL = d.latencyTTL
	if c.EncryptionSecret != "" {
		rt.Cipher = security.NewBox(security.KeyFromSecret(c.EncryptionSecret))
	}
	return rt, nil
}

// Attrs returns the registry attributes of a configured node.
func (n NodeConfig) Attrs() node.Attrs {
	attrs := node.Attrs{
		Type:         node.Type(n.Type),
		Status:       node.Status(n.Status),
		Capabilities: n.Capabilities,
	}
	if n.Capacity > 0 {
		capacity := n.Capacity.Bytes()
		attrs.Capacity = &capacity
	}
	return attrs
}
