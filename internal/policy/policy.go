// Package policy turns payloads into storable units according to a
// distribution policy and reassembles them on retrieval.
package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInvalid is returned for options, payloads or layouts the engine
	// cannot work with.
	ErrInvalid = errors.New("invalid policy input")
	// ErrIncomplete is returned when too few units are present to rebuild a
	// payload.
	ErrIncomplete = errors.New("incomplete")
	// ErrTransform wraps failures of the specialized transform.
	ErrTransform = errors.New("specialized transform failed")
)

// Policy is a distribution policy variant.
type Policy string

const (
	Redundant         Policy = "redundant"
	Sharded           Policy = "sharded"
	ErasureCoded      Policy = "erasure-coded"
	SpecializedShared Policy = "specialized-shared"
)

// Parse returns the policy named s. Matching is case-insensitive and accepts
// "erasure" and "specialized" as short forms.
func Parse(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redundant", "":
		return Redundant, nil
	case "sharded":
		return Sharded, nil
	case "erasure-coded", "erasure", "erasurecoded":
		return ErasureCoded, nil
	case "specialized-shared", "specialized", "specializedshared":
		return SpecializedShared, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrInvalid, s)
}

func (p Policy) String() string { return string(p) }

// Effective resolves the policy actually applied to an object. The
// specialized policy degrades to Redundant when the object is not eligible or
// no capable node is available.
func Effective(requested Policy, eligible, capableNodes bool) Policy {
	if requested == SpecializedShared && (!eligible || !capableNodes) {
		return Redundant
	}
	return requested
}

// Unit is one transformed piece of a payload.
type Unit struct {
	Index int
	Data  []byte
}

// Layout records how a payload was transformed so it can be reversed.
type Layout struct {
	Policy       Policy `json:"policy"`
	Size         int    `json:"size"`
	Units        int    `json:"units"`
	ShardSize    int    `json:"shard_size,omitempty"`
	DataBlocks   int    `json:"data_blocks,omitempty"`
	ParityBlocks int    `json:"parity_blocks,omitempty"`
}

// Required returns the minimum number of distinct units needed to rebuild the
// payload.
func (l Layout) Required() int {
	switch l.Policy {
	case Sharded:
		return l.Units
	case ErasureCoded:
		return l.DataBlocks
	default:
		return 1
	}
}

// Options tunes Prepare.
type Options struct {
	// ShardSize is the chunk size for Sharded. Must be positive.
	ShardSize int
	// ErasureRatio is the target data/(data+parity) ratio for ErasureCoded.
	ErasureRatio float64
	// TotalBlocks is n for ErasureCoded when DataBlocks/ParityBlocks are unset.
	TotalBlocks int
	// DataBlocks and ParityBlocks fix m and p for ErasureCoded when both are set.
	DataBlocks   int
	ParityBlocks int
}

// ErasureShape returns (m, p) for the options.
func (o Options) ErasureShape() (int, int, error) {
	if o.DataBlocks > 0 && o.ParityBlocks > 0 {
		if o.DataBlocks+o.ParityBlocks > 256 {
			return 0, 0, fmt.Errorf("%w: data+parity blocks must be <= 256, got %d", ErrInvalid, o.DataBlocks+o.ParityBlocks)
		}
		return o.DataBlocks, o.ParityBlocks, nil
	}
	if o.DataBlocks > 0 || o.ParityBlocks > 0 {
		return 0, 0, fmt.Errorf("%w: data and parity blocks must be set together", ErrInvalid)
	}
	if o.ErasureRatio <= 0 || o.ErasureRatio >= 1 {
		return 0, 0, fmt.Errorf("%w: erasure ratio must be in (0,1), got %v", ErrInvalid, o.ErasureRatio)
	}

	n := o.TotalBlocks
	if n < 2 {
		n = 2
	}
	if n > 256 {
		n = 256
	}
	m := int(math.Round(float64(n) * o.ErasureRatio))
	if m < 1 {
		m = 1
	}
	p := n - m
	if p < 1 {
		p = 1
		m = n - 1
		if m < 1 {
			m = 1
		}
	}
	return m, p, nil
}

func (l Layout) String() string {
	switch l.Policy {
	case Sharded:
		return fmt.Sprintf("%s(%d x %dB)", l.Policy, l.Units, l.ShardSize)
	case ErasureCoded:
		return fmt.Sprintf("%s(m=%d,p=%d)", l.Policy, l.DataBlocks, l.ParityBlocks)
	default:
		return string(l.Policy)
	}
}
