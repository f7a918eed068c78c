// Package unitstore keeps the raw unit bytes held by the local node.
package unitstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a unit is not held locally.
	ErrNotFound = errors.New("unit not found")
	// ErrInvalidKey is returned for an empty data id or a negative index.
	ErrInvalidKey = errors.New("invalid unit key")
)

// Store is the local node's unit storage.
type Store interface {
	// Put stores one unit, replacing any previous copy.
	Put(ctx context.Context, dataID string, index int, data []byte) error
	// Get returns a copy of one unit or ErrNotFound.
	Get(ctx context.Context, dataID string, index int) ([]byte, error)
	// Delete removes every unit of dataID and returns how many were removed.
	Delete(ctx context.Context, dataID string) (int, error)
	// Usage returns the number of units and total bytes held.
	Usage(ctx context.Context) (units int, bytes int64, err error)
	// Close releases backend resources.
	Close() error
}
