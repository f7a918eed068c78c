// Package location holds the authoritative map from data id to the nodes that
// carry its units.
package location

import (
	"maps"
	"slices"
	"time"

	"github.com/tunnelmesh/objectmesh/internal/policy"
)

// AssignmentStatus is the state of one unit copy on one node.
type AssignmentStatus string

const (
	StatusPending   AssignmentStatus = "pending"
	StatusAvailable AssignmentStatus = "available"
	StatusFailed    AssignmentStatus = "failed"
)

// Assignment records that NodeID is expected to hold unit UnitIndex.
type Assignment struct {
	NodeID       string           `json:"node_id"`
	UnitIndex    int              `json:"unit_index"`
	Status       AssignmentStatus `json:"status"`
	Size         int              `json:"size"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastVerified time.Time        `json:"last_verified,omitempty"`
}

// Record is everything known about one stored object.
type Record struct {
	DataID          string            `json:"data_id"`
	Policy          policy.Policy     `json:"policy"` // effective policy
	RequestedPolicy policy.Policy     `json:"requested_policy"`
	Layout          policy.Layout     `json:"layout"`
	Checksums       []string          `json:"checksums"` // indexed by unit
	Encrypted       bool              `json:"encrypted,omitempty"`
	Compressed      bool              `json:"compressed,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessAt    time.Time         `json:"last_access_at"`
	LastVerified    time.Time         `json:"last_verified,omitempty"`
	Assignments     []Assignment      `json:"assignments"`
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	c := *r
	c.Checksums = slices.Clone(r.Checksums)
	c.Metadata = maps.Clone(r.Metadata)
	c.Tags = slices.Clone(r.Tags)
	c.Assignments = slices.Clone(r.Assignments)
	return c
}

// CountStatus returns how many assignments are in status s.
func (r *Record) CountStatus(s AssignmentStatus) int {
	n := 0
	for _, a := range r.Assignments {
		if a.Status == s {
			n++
		}
	}
	return n
}

// AvailableIndexes returns the distinct unit indexes with at least one
// available assignment, sorted.
func (r *Record) AvailableIndexes() []int {
	seen := make(map[int]bool)
	var out []int
	for _, a := range r.Assignments {
		if a.Status == StatusAvailable && !seen[a.UnitIndex] {
			seen[a.UnitIndex] = true
			out = append(out, a.UnitIndex)
		}
	}
	slices.Sort(out)
	return out
}

// Retrievable reports whether the available assignments cover a
// reconstructing set of units.
func (r *Record) Retrievable() bool {
	return len(r.AvailableIndexes()) >= r.Layout.Required() && r.Layout.Required() > 0
}

// NodeIDs returns the distinct node ids with any assignment, sorted.
func (r *Record) NodeIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range r.Assignments {
		if !seen[a.NodeID] {
			seen[a.NodeID] = true
			out = append(out, a.NodeID)
		}
	}
	slices.Sort(out)
	return out
}

// HasTags reports whether the record carries every tag.
func (r *Record) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(r.Tags, t) {
			return false
		}
	}
	return true
}
