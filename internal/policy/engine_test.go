package policy

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func drop(units []Unit, indexes ...int) []Unit {
	skip := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		skip[i] = true
	}
	var out []Unit
	for _, u := range units {
		if !skip[u.Index] {
			out = append(out, u)
		}
	}
	return out
}

func TestEngine_RoundTrip(t *testing.T) {
	e := NewEngine(nil)
	payload := randomPayload(t, 10_000)

	tests := []struct {
		name   string
		policy Policy
		opts   Options
		units  int
	}{
		{name: "redundant", policy: Redundant, units: 1},
		{name: "specialized", policy: SpecializedShared, units: 1},
		{name: "sharded", policy: Sharded, opts: Options{ShardSize: 4096}, units: 3},
		{name: "erasure explicit", policy: ErasureCoded, opts: Options{DataBlocks: 4, ParityBlocks: 2}, units: 6},
		{name: "erasure ratio", policy: ErasureCoded, opts: Options{ErasureRatio: 0.7, TotalBlocks: 10}, units: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout, units, err := e.Prepare(payload, tt.policy, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.units, layout.Units)
			assert.Len(t, units, tt.units)
			assert.Equal(t, len(payload), layout.Size)

			got, err := e.Reverse(units, layout)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestEngine_ShardedRequiresEveryShard(t *testing.T) {
	e := NewEngine(nil)
	payload := []byte("abcdefghij")

	layout, units, err := e.Prepare(payload, Sharded, Options{ShardSize: 4})
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, []byte("abcd"), units[0].Data)
	assert.Equal(t, []byte("ij"), units[2].Data)

	// Order of arrival does not matter.
	got, err := e.Reverse([]Unit{units[2], units[0], units[1]}, layout)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = e.Reverse(drop(units, 1), layout)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestEngine_ShardedEmptyPayload(t *testing.T) {
	e := NewEngine(nil)

	layout, units, err := e.Prepare(nil, Sharded, Options{ShardSize: 8})
	require.NoError(t, err)
	assert.Equal(t, 1, layout.Units)

	got, err := e.Reverse(units, layout)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngine_ErasureThreshold(t *testing.T) {
	e := NewEngine(nil)
	payload := randomPayload(t, 1000)

	layout, units, err := e.Prepare(payload, ErasureCoded, Options{DataBlocks: 4, ParityBlocks: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, layout.Required())

	tests := []struct {
		name    string
		dropped []int
		ok      bool
	}{
		{name: "nothing dropped", ok: true},
		{name: "two data blocks dropped", dropped: []int{0, 3}, ok: true},
		{name: "data and parity dropped", dropped: []int{1, 5}, ok: true},
		{name: "parity dropped", dropped: []int{4, 5}, ok: true},
		{name: "three dropped", dropped: []int{0, 2, 4}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Reverse(drop(units, tt.dropped...), layout)
			if !tt.ok {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrIncomplete)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestEngine_ErasureRejectsEmptyPayload(t *testing.T) {
	_, _, err := NewEngine(nil).Prepare(nil, ErasureCoded, Options{DataBlocks: 2, ParityBlocks: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEngine_RedundantNeedsOneCopy(t *testing.T) {
	e := NewEngine(nil)
	layout, _, err := e.Prepare([]byte("x"), Redundant, Options{})
	require.NoError(t, err)

	_, err = e.Reverse(nil, layout)
	assert.ErrorIs(t, err, ErrIncomplete)
}

type xorTransform struct{ key byte }

func (x xorTransform) Apply(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ x.key
	}
	return out, nil
}

func (x xorTransform) Revert(d []byte) ([]byte, error) { return x.Apply(d) }

type failingTransform struct{}

func (failingTransform) Apply([]byte) ([]byte, error)  { return nil, errors.New("no entanglement") }
func (failingTransform) Revert([]byte) ([]byte, error) { return nil, errors.New("no entanglement") }

func TestEngine_SpecializedTransform(t *testing.T) {
	e := NewEngine(xorTransform{key: 0x5a})
	payload := []byte("hello")

	layout, units, err := e.Prepare(payload, SpecializedShared, Options{})
	require.NoError(t, err)
	assert.False(t, bytes.Equal(payload, units[0].Data), "transform must change the stored unit")

	got, err := e.Reverse(units, layout)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, _, err = NewEngine(failingTransform{}).Prepare(payload, SpecializedShared, Options{})
	assert.ErrorIs(t, err, ErrTransform)
}

func TestEffective(t *testing.T) {
	assert.Equal(t, SpecializedShared, Effective(SpecializedShared, true, true))
	assert.Equal(t, Redundant, Effective(SpecializedShared, false, true))
	assert.Equal(t, Redundant, Effective(SpecializedShared, true, false))
	assert.Equal(t, Sharded, Effective(Sharded, false, false))
}

func TestParse(t *testing.T) {
	for in, want := range map[string]Policy{
		"":                   Redundant,
		"Redundant":          Redundant,
		"sharded":            Sharded,
		"erasure":            ErasureCoded,
		"erasure-coded":      ErasureCoded,
		"specialized-shared": SpecializedShared,
	} {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Parse("mirrored")
	assert.Error(t, err)
}

func TestErasureShape(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		m, p    int
		wantErr bool
	}{
		{name: "default ratio of three", opts: Options{ErasureRatio: 0.7, TotalBlocks: 3}, m: 2, p: 1},
		{name: "ten blocks", opts: Options{ErasureRatio: 0.7, TotalBlocks: 10}, m: 7, p: 3},
		{name: "tiny total is raised to two", opts: Options{ErasureRatio: 0.5, TotalBlocks: 1}, m: 1, p: 1},
		{name: "high ratio keeps one parity", opts: Options{ErasureRatio: 0.99, TotalBlocks: 4}, m: 3, p: 1},
		{name: "explicit", opts: Options{DataBlocks: 4, ParityBlocks: 2}, m: 4, p: 2},
		{name: "half explicit", opts: Options{DataBlocks: 4}, wantErr: true},
		{name: "bad ratio", opts: Options{ErasureRatio: 1.5, TotalBlocks: 4}, wantErr: true},
		{name: "too many blocks", opts: Options{DataBlocks: 200, ParityBlocks: 100}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, p, err := tt.opts.ErasureShape()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.m, m)
			assert.Equal(t, tt.p, p)
		})
	}
}
