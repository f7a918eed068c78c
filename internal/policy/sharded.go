package policy

import (
	"bytes"
	"fmt"
)

// split cuts payload into shardSize chunks in byte order. An empty payload
// yields a single empty shard so the object still has one unit to place.
func split(payload []byte, shardSize int) []Unit {
	if len(payload) == 0 {
		return []Unit{{Index: 0, Data: []byte{}}}
	}

	count := (len(payload) + shardSize - 1) / shardSize
	units := make([]Unit, 0, count)
	for i := 0; i < count; i++ {
		start := i * shardSize
		end := start + shardSize
		if end > len(payload) {
			end = len(payload)
		}
		units = append(units, Unit{Index: i, Data: clone(payload[start:end])})
	}
	return units
}

// join concatenates every shard in index order. Any missing shard fails the
// whole reconstruction.
func join(byIndex map[int][]byte, layout Layout) ([]byte, error) {
	var missing []int
	for i := 0; i < layout.Units; i++ {
		if _, ok := byIndex[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %d of %d shards: %v", ErrIncomplete, len(missing), layout.Units, missing)
	}

	if layout.Size == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	buf.Grow(layout.Size)
	for i := 0; i < layout.Units; i++ {
		buf.Write(byIndex[i])
	}
	if buf.Len() != layout.Size {
		return nil, fmt.Errorf("%w: reassembled %d bytes, expected %d", ErrInvalid, buf.Len(), layout.Size)
	}
	return buf.Bytes(), nil
}
