package unitstore

import (
	"context"
	"fmt"
	"sync"
)

type unitKey struct {
	dataID string
	index  int
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	units map[unitKey][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{units: make(map[unitKey][]byte)}
}

func (m *Memory) Put(ctx context.Context, dataID string, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dataID == "" || index < 0 {
		return fmt.Errorf("%w %q/%d", ErrInvalidKey, dataID, index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unitKey{dataID, index}] = append([]byte{}, data...)
	return nil
}

func (m *Memory) Get(ctx context.Context, dataID string, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.units[unitKey{dataID, index}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, dataID, index)
	}
	return append([]byte{}, data...), nil
}

func (m *Memory) Delete(ctx context.Context, dataID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.units {
		if k.dataID == dataID {
			delete(m.units, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Usage(ctx context.Context) (int, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, d := range m.units {
		total += int64(len(d))
	}
	return len(m.units), total, nil
}

// Corrupt overwrites a stored unit in place without going through Put.
// It reports whether the unit existed.
func (m *Memory) Corrupt(dataID string, index int, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := unitKey{dataID, index}
	if _, ok := m.units[k]; !ok {
		return false
	}
	m.units[k] = append([]byte{}, data...)
	return true
}

// Drop removes one unit. It reports whether the unit existed.
func (m *Memory) Drop(dataID string, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := unitKey{dataID, index}
	_, ok := m.units[k]
	delete(m.units, k)
	return ok
}

func (m *Memory) Close() error { return nil }
