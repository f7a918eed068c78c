package policy

import "fmt"

// Transform is the opaque transformation applied under SpecializedShared.
type Transform interface {
	Apply(payload []byte) ([]byte, error)
	Revert(data []byte) ([]byte, error)
}

type identity struct{}

func (identity) Apply(p []byte) ([]byte, error)  { return clone(p), nil }
func (identity) Revert(d []byte) ([]byte, error) { return clone(d), nil }

// clone copies b, never returning nil.
func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

// Engine prepares and reverses units.
type Engine struct {
	specialized Transform
}

// NewEngine creates an engine. A nil transform makes SpecializedShared a
// pass-through that only differs from Redundant in node selection.
func NewEngine(specialized Transform) *Engine {
	if specialized == nil {
		specialized = identity{}
	}
	return &Engine{specialized: specialized}
}

// Prepare transforms payload into units under policy p.
func (e *Engine) Prepare(payload []byte, p Policy, opts Options) (Layout, []Unit, error) {
	layout := Layout{Policy: p, Size: len(payload)}

	switch p {
	case Redundant:
		layout.Units = 1
		return layout, []Unit{{Index: 0, Data: clone(payload)}}, nil

	case SpecializedShared:
		data, err := e.specialized.Apply(payload)
		if err != nil {
			return Layout{}, nil, fmt.Errorf("%w: %w", ErrTransform, err)
		}
		layout.Units = 1
		return layout, []Unit{{Index: 0, Data: data}}, nil

	case Sharded:
		if opts.ShardSize <= 0 {
			return Layout{}, nil, fmt.Errorf("%w: shard size must be positive, got %d", ErrInvalid, opts.ShardSize)
		}
		units := split(payload, opts.ShardSize)
		layout.ShardSize = opts.ShardSize
		layout.Units = len(units)
		return layout, units, nil

	case ErasureCoded:
		m, parity, err := opts.ErasureShape()
		if err != nil {
			return Layout{}, nil, err
		}
		units, err := encodeBlocks(payload, m, parity)
		if err != nil {
			return Layout{}, nil, err
		}
		layout.DataBlocks = m
		layout.ParityBlocks = parity
		layout.Units = m + parity
		return layout, units, nil
	}

	return Layout{}, nil, fmt.Errorf("%w: unknown policy %q", ErrInvalid, p)
}

// Reverse rebuilds the payload from whatever units are present. Units may be
// in any order; duplicates of an index are ignored. Too few units is an
// ErrIncomplete error.
func (e *Engine) Reverse(units []Unit, layout Layout) ([]byte, error) {
	byIndex := make(map[int][]byte, len(units))
	for _, u := range units {
		if u.Index < 0 || u.Index >= layout.Units {
			continue
		}
		if _, dup := byIndex[u.Index]; !dup {
			byIndex[u.Index] = u.Data
		}
	}

	switch layout.Policy {
	case Redundant:
		data, ok := byIndex[0]
		if !ok {
			return nil, fmt.Errorf("%w: no copy available", ErrIncomplete)
		}
		return clone(data), nil

	case SpecializedShared:
		data, ok := byIndex[0]
		if !ok {
			return nil, fmt.Errorf("%w: no copy available", ErrIncomplete)
		}
		out, err := e.specialized.Revert(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransform, err)
		}
		return out, nil

	case Sharded:
		return join(byIndex, layout)

	case ErasureCoded:
		return decodeBlocks(byIndex, layout)
	}

	return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalid, layout.Policy)
}
