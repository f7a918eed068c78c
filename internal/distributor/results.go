package distributor

import (
	"time"

	"github.com/tunnelmesh/objectmesh/internal/location"
	"github.com/tunnelmesh/objectmesh/internal/policy"
)

// Result is the common part of every operation result.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"` // failure kind name, empty on success
}

// StoreOptions tunes StoreData. Zero values select configured defaults.
type StoreOptions struct {
	Policy       policy.Policy
	ReplicaCount int
	// Eligible marks the object as allowed to use the specialized policy.
	Eligible bool
	// DataBlocks and ParityBlocks fix the erasure shape when both are set.
	DataBlocks   int
	ParityBlocks int
	ShardSize    int
	Encrypt      bool
	Compress     bool
	Metadata     map[string]string
	Tags         []string
	NodeTimeout  time.Duration
}

// StoreResult describes a StoreData call.
type StoreResult struct {
	Result
	DataID          string        `json:"data_id"`
	Policy          policy.Policy `json:"policy"`
	RequestedPolicy policy.Policy `json:"requested_policy"`
	Layout          policy.Layout `json:"layout"`
	Size            int           `json:"size"`
	Nodes           []string      `json:"nodes"`        // nodes holding at least one unit
	FailedNodes     []string      `json:"failed_nodes"` // nodes with at least one failed unit
}

// RetrieveOptions tunes RetrieveData.
type RetrieveOptions struct {
	NodeTimeout time.Duration
	// SkipChecksum accepts units without comparing them to the stored hashes.
	SkipChecksum bool
}

// RetrieveResult describes a RetrieveData call.
type RetrieveResult struct {
	Result
	DataID   string            `json:"data_id"`
	Data     []byte            `json:"-"`
	Size     int               `json:"size"`
	Nodes    []string          `json:"nodes"` // nodes units were read from
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DeleteOptions tunes DeleteData.
type DeleteOptions struct {
	NodeTimeout time.Duration
}

// DeleteResult describes a DeleteData call.
type DeleteResult struct {
	Result
	DataID    string   `json:"data_id"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// DataStatus is the read-only availability view of one object.
type DataStatus struct {
	Result
	DataID            string                `json:"data_id"`
	Policy            policy.Policy         `json:"policy"`
	RequestedPolicy   policy.Policy         `json:"requested_policy"`
	Layout            policy.Layout         `json:"layout"`
	Available         bool                  `json:"available"`
	AvailabilityRatio float64               `json:"availability_ratio"`
	Retrievable       bool                  `json:"retrievable"`
	Assignments       []location.Assignment `json:"assignments"`
	Metadata          map[string]string     `json:"metadata,omitempty"`
	Tags              []string              `json:"tags,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	LastAccessAt      time.Time             `json:"last_access_at"`
	LastVerified      time.Time             `json:"last_verified,omitempty"`
}

// Stats are the process-wide counters plus current table and registry sizes.
type Stats struct {
	BytesStored     uint64 `json:"bytes_stored"`
	BytesRetrieved  uint64 `json:"bytes_retrieved"`
	ReplicationOps  uint64 `json:"replication_operations"`
	VerificationOps uint64 `json:"verification_operations"`
	FailedOps       uint64 `json:"failed_operations"`

	Records     int   `json:"records"`
	Nodes       int   `json:"nodes"`
	OnlineNodes int   `json:"online_nodes"`
	LocalUnits  int   `json:"local_units"`
	LocalBytes  int64 `json:"local_bytes"`
}

func failure(err error) Result {
	return Result{Message: err.Error(), Kind: KindName(err)}
}
